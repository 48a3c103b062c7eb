package streamparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAll_PlainText(t *testing.T) {
	events := ParseAll("hello world")
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "hello world", events[0].Text)
}

func TestParseAll_EmbeddedToolCall(t *testing.T) {
	text := `before <levelcode_tool_call>{"cb_tool_name":"read_files","paths":["a.txt"]}</levelcode_tool_call> after`
	events := ParseAll(text)
	require.Len(t, events, 3)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "before ", events[0].Text)
	assert.Equal(t, EventToolCall, events[1].Kind)
	assert.Equal(t, "read_files", events[1].ToolName)
	assert.True(t, len(events[1].ToolCallID) > 0)
	assert.Equal(t, "xml-", events[1].ToolCallID[:4])
	assert.Equal(t, []any{"a.txt"}, events[1].Input["paths"])
	assert.Equal(t, EventText, events[2].Kind)
	assert.Equal(t, " after", events[2].Text)
}

func TestParseAll_MalformedJSON(t *testing.T) {
	text := `<levelcode_tool_call>not json</levelcode_tool_call>`
	events := ParseAll(text)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "levelcode_tool_call", events[0].ErrTag)
}

func TestParseAll_MissingToolName(t *testing.T) {
	text := `<levelcode_tool_call>{"foo":1}</levelcode_tool_call>`
	events := ParseAll(text)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

func TestParseAll_BrokenPrefixIsText(t *testing.T) {
	// "<levelcode_too" looks like a prefix of the opener until the 'l' vs
	// expected char diverges; it must be emitted as plain text.
	text := `a<levelcode_too much>b`
	events := ParseAll(text)
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, text, events[0].Text)
}

func TestParseAll_IncrementalFeed(t *testing.T) {
	// Feeding the same text one byte at a time must produce the same
	// events as feeding it all at once (incremental parsing correctness).
	full := `x<levelcode_tool_call>{"cb_tool_name":"end_turn"}</levelcode_tool_call>y`
	whole := ParseAll(full)

	p := New()
	var out []Event
	for i := 0; i < len(full); i++ {
		out = p.feedText(string(full[i]), out)
	}
	out = p.Finish(out)

	require.Len(t, out, len(whole))
	for i := range whole {
		assert.Equal(t, whole[i].Kind, out[i].Kind)
		if whole[i].Kind == EventToolCall {
			assert.Equal(t, whole[i].ToolName, out[i].ToolName)
		}
	}
}

func TestParseAll_UnterminatedTagAtEOF(t *testing.T) {
	text := `<levelcode_tool_call>{"cb_tool_name":"x"}`
	events := ParseAll(text)
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, text, events[0].Text)
}

func TestSerialize_RoundTrip(t *testing.T) {
	// L1: parsing, re-serializing, and reparsing must yield an equivalent
	// event sequence.
	text := `hi <levelcode_tool_call>{"cb_tool_name":"end_turn"}</levelcode_tool_call> bye`
	events := ParseAll(text)
	reserialized := Serialize(events)
	reparsed := ParseAll(reserialized)

	require.Len(t, reparsed, len(events))
	for i := range events {
		assert.Equal(t, events[i].Kind, reparsed[i].Kind)
		if events[i].Kind == EventToolCall {
			assert.Equal(t, events[i].ToolName, reparsed[i].ToolName)
		}
	}
}

func TestFeed_NativeToolCallChunkFlushesPendingText(t *testing.T) {
	p := New()
	var out []Event
	out = p.feedText("pending", out)
	out = p.Feed(Chunk{Kind: ChunkToolCall, ToolName: "end_turn", ToolCallID: "tc-1"}, out)
	require.Len(t, out, 2)
	assert.Equal(t, EventText, out[0].Kind)
	assert.Equal(t, "pending", out[0].Text)
	assert.Equal(t, EventToolCall, out[1].Kind)
	assert.Equal(t, "tc-1", out[1].ToolCallID)
}
