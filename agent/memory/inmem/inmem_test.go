package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
)

func TestStore_AppendAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	history, err := s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Empty(t, history)

	msg := agent.Message{
		Role:    agent.RoleUser,
		Content: []agent.Content{agent.TextContent{Text: "hello"}},
	}
	require.NoError(t, s.AppendMessages(ctx, "agent-1", "run-1", msg))

	history, err = s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello", history[0].Text())
}

func TestStore_IsolatesRunsAndAgents(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendMessages(ctx, "agent-1", "run-1", agent.Message{
		Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: "a"}},
	}))
	require.NoError(t, s.AppendMessages(ctx, "agent-1", "run-2", agent.Message{
		Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: "b"}},
	}))
	require.NoError(t, s.AppendMessages(ctx, "agent-2", "run-1", agent.Message{
		Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: "c"}},
	}))

	h, err := s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, "a", h[0].Text())

	h, err = s.LoadHistory(ctx, "agent-1", "run-2")
	require.NoError(t, err)
	require.Equal(t, "b", h[0].Text())

	h, err = s.LoadHistory(ctx, "agent-2", "run-1")
	require.NoError(t, err)
	require.Equal(t, "c", h[0].Text())
}

func TestStore_LoadedHistoryIsDefensiveCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx, "agent-1", "run-1", agent.Message{
		Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: "first"}},
	}))

	h, err := s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	h[0] = agent.Message{Role: agent.RoleAssistant}

	h2, err := s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Equal(t, agent.RoleUser, h2[0].Role, "mutating a loaded slice must not affect the stored history")
}

func TestStore_Reset(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx, "agent-1", "run-1", agent.Message{Role: agent.RoleUser}))
	s.Reset()
	h, err := s.LoadHistory(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Empty(t, h)
}
