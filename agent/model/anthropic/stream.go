package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/tools"
)

// anthropicStreamer adapts an Anthropic SSE message stream to model.Streamer
// by running the SDK's blocking iterator on a dedicated goroutine and
// funneling decoded events through a buffered channel.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan model.Chunk

	errMu   sync.Mutex
	errSet  bool
	finalErr error

	metaMu   sync.Mutex
	metadata map[string]any

	nameMap map[string]string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) *anthropicStreamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &anthropicStreamer{
		ctx:      sctx,
		cancel:   cancel,
		stream:   stream,
		chunks:   make(chan model.Chunk, 32),
		metadata: make(map[string]any),
		nameMap:  nameMap,
	}
	go s.run()
	return s
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)

	proc := &anthropicChunkProcessor{
		emit: func(c model.Chunk) {
			select {
			case s.chunks <- c:
			case <-s.ctx.Done():
			}
		},
		recordUsage: s.recordUsage,
		toolBlocks:  make(map[int64]*toolBuffer),
		thinking:    make(map[int64]*thinkingBuffer),
		nameMap:     s.nameMap,
	}

	for s.stream.Next() {
		event := s.stream.Current()
		if err := proc.Handle(event); err != nil {
			s.setErr(err)
			return
		}
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
		return
	}
	s.setErr(io.EOF)
}

func (s *anthropicStreamer) Recv() (model.Chunk, error) {
	c, ok := <-s.chunks
	if !ok {
		return model.Chunk{}, s.err()
	}
	return c, nil
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *anthropicStreamer) Metadata() map[string]any {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *anthropicStreamer) recordUsage(u model.TokenUsage) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.metadata["usage"] = u
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		return io.EOF
	}
	return s.finalErr
}

// anthropicChunkProcessor translates one anthropic SSE event at a time into
// model.Chunk values, buffering partial tool_use/thinking blocks by content
// index until each block closes.
type anthropicChunkProcessor struct {
	emit        func(model.Chunk)
	recordUsage func(model.TokenUsage)

	toolBlocks map[int64]*toolBuffer
	thinking   map[int64]*thinkingBuffer
	nameMap    map[string]string

	stopReason string
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (b *toolBuffer) finalInput() json.RawMessage {
	joined := strings.Join(b.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return json.RawMessage("{}")
	}
	return decodeToolPayload(joined)
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
	redacted  []byte
}

func (b *thinkingBuffer) finalize(index int) *model.ThinkingPart {
	return &model.ThinkingPart{
		Text:      b.text.String(),
		Signature: b.signature,
		Redacted:  b.redacted,
		Index:     index,
		Final:     true,
	}
}

func decodeToolPayload(raw string) json.RawMessage {
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func (p *anthropicChunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch event.Type {
	case "message_start":
		return nil

	case "content_block_start":
		idx := event.Index
		switch event.ContentBlock.Type {
		case "tool_use":
			name := event.ContentBlock.Name
			canonical := name
			if p.nameMap != nil {
				if c, ok := p.nameMap[name]; ok {
					canonical = c
				}
			}
			p.toolBlocks[idx] = &toolBuffer{name: canonical, id: event.ContentBlock.ID}
		case "thinking":
			p.thinking[idx] = &thinkingBuffer{}
		}
		return nil

	case "content_block_delta":
		idx := event.Index
		delta := event.Delta
		switch delta.Type {
		case "text_delta":
			if delta.Text != "" {
				p.emit(model.Chunk{
					Type:    model.ChunkTypeText,
					Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: delta.Text}}},
				})
			}
		case "input_json_delta":
			if buf, ok := p.toolBlocks[idx]; ok {
				buf.fragments = append(buf.fragments, delta.PartialJSON)
				p.emit(model.Chunk{
					Type: model.ChunkTypeToolCallDelta,
					ToolCallDelta: &model.ToolCallDelta{
						Name:  tools.Ident(buf.name),
						ID:    buf.id,
						Delta: delta.PartialJSON,
					},
				})
			}
		case "thinking_delta":
			if buf, ok := p.thinking[idx]; ok {
				buf.text.WriteString(delta.Thinking)
				p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: delta.Thinking})
			}
		case "signature_delta":
			if buf, ok := p.thinking[idx]; ok {
				buf.signature = delta.Signature
			}
		}
		return nil

	case "content_block_stop":
		idx := event.Index
		if buf, ok := p.toolBlocks[idx]; ok {
			payload := buf.finalInput()
			p.emit(model.Chunk{
				Type: model.ChunkTypeToolCall,
				ToolCall: &model.ToolCall{
					Name:    tools.Ident(buf.name),
					Payload: payload,
					ID:      buf.id,
				},
			})
			delete(p.toolBlocks, idx)
		}
		if buf, ok := p.thinking[idx]; ok {
			_ = buf.finalize(int(idx))
			delete(p.thinking, idx)
		}
		return nil

	case "message_delta":
		if r := event.Delta.StopReason; r != "" {
			p.stopReason = string(r)
		}
		if u := event.Usage; u.OutputTokens != 0 || u.InputTokens != 0 {
			usage := model.TokenUsage{
				InputTokens:      int(u.InputTokens),
				OutputTokens:     int(u.OutputTokens),
				CacheReadTokens:  int(u.CacheReadInputTokens),
				CacheWriteTokens: int(u.CacheCreationInputTokens),
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			p.recordUsage(usage)
			p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
		}
		return nil

	case "message_stop":
		p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
		return nil

	case "error":
		return fmt.Errorf("anthropic: stream error event: %s", event.Error.Message)

	default:
		return nil
	}
}
