package mongo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
)

func TestMessageDocument_RoundTrip(t *testing.T) {
	messages := []agent.Message{
		{
			Role:      agent.RoleUser,
			Content:   []agent.Content{agent.TextContent{Text: "do the thing"}},
			CreatedAt: 1,
		},
		{
			Role: agent.RoleAssistant,
			Content: []agent.Content{
				agent.TextContent{Text: "on it"},
				agent.ToolCallContent{ToolCallID: "call-1", ToolName: "read_file", Input: map[string]any{"path": "a.go"}},
			},
			CreatedAt: 2,
		},
		{
			Role: agent.RoleTool,
			Content: []agent.Content{
				agent.ToolResultContent{
					ToolCallID: "call-1",
					Parts:      []agent.ResultPart{{Text: "contents"}, {JSON: map[string]any{"n": float64(3)}, IsJSON: true}},
				},
			},
			TTL:       agent.TTLUserPrompt,
			Tag:       agent.TagSubagentSpawn,
			CreatedAt: 3,
		},
	}

	docs, err := toMessageDocuments(messages)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	back, err := fromMessageDocuments(docs)
	require.NoError(t, err)
	require.Equal(t, messages, back)
}

func TestContentDocument_UnknownKindRejected(t *testing.T) {
	_, err := fromContentDocument(contentDocument{Kind: "bogus"})
	require.Error(t, err)
}
