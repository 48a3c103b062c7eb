// Package streamparse implements the stream parser: it consumes a
// sequence of text/tool-call chunks from an LLM provider and yields a
// canonical, ordered sequence of text and tool-call events, additionally
// recognizing tool calls embedded in plain text via a sentinel-tagged JSON
// envelope.
package streamparse

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	openTag  = "<levelcode_tool_call>"
	closeTag = "</levelcode_tool_call>"

	// toolNameField is the JSON field inside the envelope naming the tool;
	// every other field becomes part of the tool call's input.
	toolNameField = "cb_tool_name"
)

// ChunkKind distinguishes the two chunk shapes a provider may emit.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCall
)

// Chunk is one unit of provider output fed into the parser.
type Chunk struct {
	Kind ChunkKind
	// Text is set when Kind == ChunkText.
	Text string
	// ToolName/ToolCallID/Input are set when Kind == ChunkToolCall — a
	// structured tool-use block the provider emitted natively, as opposed
	// to one embedded in text that this parser must recognize itself.
	ToolName   string
	ToolCallID string
	Input      map[string]any
}

// EventKind distinguishes the parser's two output event shapes.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCall
	EventError
)

// Event is one item of the parser's canonical output sequence.
type Event struct {
	Kind EventKind
	Text string

	ToolName   string
	ToolCallID string
	Input      map[string]any

	// ErrTag/ErrMessage are set when Kind == EventError (malformed JSON
	// inside an embedded tag).
	ErrTag     string
	ErrMessage string
}

// state is the parser's internal state machine.
type state int

const (
	stateText state = iota
	statePossibleOpen
	stateInsideTag
	statePossibleClose
)

// Parser is a stateful, incremental tool-call-in-text recognizer. It is
// not safe for concurrent use: a single agent step feeds it chunks
// strictly in order, matching the single-in-flight-turn rule the runtime
// enforces per agent.
type Parser struct {
	st state

	// buf accumulates the bytes that might still be part of an opener or
	// closer match; its length is bounded by the longest marker, so memory
	// use stays constant regardless of stream length.
	buf strings.Builder
	// tagBody accumulates the JSON content once INSIDE_TAG.
	tagBody strings.Builder

	openMatched  int
	closeMatched int
}

// New returns a fresh Parser in the TEXT state.
func New() *Parser { return &Parser{st: stateText} }

// Feed processes one chunk and appends resulting Events to out, returning
// the extended slice. Passing events through an accumulating slice (rather
// than a callback) keeps Parser a pure state-transition function:
// (State, Chunk) -> (State, Events).
func (p *Parser) Feed(c Chunk, out []Event) []Event {
	if c.Kind == ChunkToolCall {
		// A natively structured tool-use block flushes any pending text
		// exactly like a recognized embedded call, preserving event order.
		out = p.flushPending(out)
		id := c.ToolCallID
		if id == "" {
			id = "xml-" + uuid.NewString()
		}
		return append(out, Event{Kind: EventToolCall, ToolName: c.ToolName, ToolCallID: id, Input: c.Input})
	}
	return p.feedText(c.Text, out)
}

func (p *Parser) feedText(text string, out []Event) []Event {
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch p.st {
		case stateText:
			if ch == openTag[0] {
				p.buf.WriteByte(ch)
				p.openMatched = 1
				p.st = statePossibleOpen
			} else {
				out = p.emitText(string(ch), out)
			}
		case statePossibleOpen:
			if p.openMatched < len(openTag) && ch == openTag[p.openMatched] {
				p.buf.WriteByte(ch)
				p.openMatched++
				if p.openMatched == len(openTag) {
					// Opener fully matched; discard the buffered marker
					// text (it is structural, not content) and start
					// accumulating the JSON body.
					p.buf.Reset()
					p.tagBody.Reset()
					p.st = stateInsideTag
				}
			} else {
				// Prefix broken: the buffered bytes were ordinary text.
				out = p.emitText(p.buf.String(), out)
				p.buf.Reset()
				p.openMatched = 0
				p.st = stateText
				// Re-process ch from TEXT state.
				i--
			}
		case stateInsideTag:
			if ch == closeTag[0] {
				p.closeMatched = 1
				p.st = statePossibleClose
			} else {
				p.tagBody.WriteByte(ch)
			}
		case statePossibleClose:
			if p.closeMatched < len(closeTag) && ch == closeTag[p.closeMatched] {
				p.closeMatched++
				if p.closeMatched == len(closeTag) {
					out = p.finishTag(out)
					p.closeMatched = 0
					p.st = stateText
				}
			} else {
				// False alarm: the matched closer-prefix bytes belong to
				// the JSON body after all.
				p.tagBody.WriteString(closeTag[:p.closeMatched])
				p.closeMatched = 0
				p.st = stateInsideTag
				i--
			}
		}
	}
	return out
}

// emitText appends a text event unless s is empty, extending the trailing
// text event in out when there is one.
func (p *Parser) emitText(s string, out []Event) []Event {
	if s == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == EventText {
		out[n-1].Text += s
		return out
	}
	return append(out, Event{Kind: EventText, Text: s})
}

// flushPending emits any text buffered mid-match as plain text, e.g. when a
// natively structured tool-call chunk arrives while a possible-open-tag
// match was in progress.
func (p *Parser) flushPending(out []Event) []Event {
	switch p.st {
	case statePossibleOpen:
		out = p.emitText(p.buf.String(), out)
		p.buf.Reset()
		p.openMatched = 0
		p.st = stateText
	case stateInsideTag, statePossibleClose:
		// An unterminated tag interrupted by a structured chunk: the
		// buffered tag body is dropped, and no text or error event is
		// emitted for it.
		p.tagBody.Reset()
		p.closeMatched = 0
		p.st = stateText
	}
	return out
}

// finishTag parses the accumulated tagBody as the embedded-tool-call
// envelope and emits either a tool-call event or an error event,
// discarding the original text either way.
func (p *Parser) finishTag(out []Event) []Event {
	body := strings.TrimSpace(p.tagBody.String())
	p.tagBody.Reset()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return append(out, Event{Kind: EventError, ErrTag: "levelcode_tool_call", ErrMessage: err.Error()})
	}
	nameRaw, ok := raw[toolNameField]
	if !ok {
		return append(out, Event{Kind: EventError, ErrTag: "levelcode_tool_call", ErrMessage: "missing " + toolNameField})
	}
	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return append(out, Event{Kind: EventError, ErrTag: "levelcode_tool_call", ErrMessage: "cb_tool_name must be a string: " + err.Error()})
	}
	input := make(map[string]any, len(raw)-1)
	for k, v := range raw {
		if k == toolNameField {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return append(out, Event{Kind: EventError, ErrTag: "levelcode_tool_call", ErrMessage: "field " + k + ": " + err.Error()})
		}
		input[k] = decoded
	}
	return append(out, Event{
		Kind:       EventToolCall,
		ToolName:   name,
		ToolCallID: "xml-" + uuid.NewString(),
		Input:      input,
	})
}

// Finish flushes any buffered-but-never-resolved partial match as plain
// text, to be called once the chunk stream ends. An unterminated tag (no
// closer ever arrived) is surfaced as plain text, not an error, since the
// stream simply ended mid-tag rather than with malformed content.
func (p *Parser) Finish(out []Event) []Event {
	switch p.st {
	case statePossibleOpen:
		out = p.emitText(p.buf.String(), out)
		p.buf.Reset()
	case stateInsideTag:
		out = p.emitText(openTag+p.tagBody.String(), out)
		p.tagBody.Reset()
	case statePossibleClose:
		out = p.emitText(openTag+p.tagBody.String()+closeTag[:p.closeMatched], out)
		p.tagBody.Reset()
		p.closeMatched = 0
	}
	p.st = stateText
	return out
}

// ParseAll is a convenience wrapper for tests and for a programmatic
// step's STEP_TEXT yield: it runs a fresh Parser over the full text and
// returns the resulting
// events (implementing L1's round-trip property together with Serialize).
func ParseAll(text string) []Event {
	p := New()
	var out []Event
	out = p.feedText(text, out)
	out = p.Finish(out)
	return out
}

// Serialize re-renders events back into the wire form, used by L1's
// round-trip test: parsing Serialize(ParseAll(text)) must reproduce the
// same event sequence (up to whitespace between events).
func Serialize(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		switch e.Kind {
		case EventText:
			b.WriteString(e.Text)
		case EventToolCall:
			b.WriteString(openTag)
			obj := make(map[string]any, len(e.Input)+1)
			for k, v := range e.Input {
				obj[k] = v
			}
			obj[toolNameField] = e.ToolName
			enc, _ := json.Marshal(obj)
			b.Write(enc)
			b.WriteString(closeTag)
		}
	}
	return b.String()
}
