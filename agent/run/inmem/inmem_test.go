package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent/run"
)

func TestStore_UpsertAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.Record{}, r, "unknown run must load as a zero Record, not an error")

	require.NoError(t, s.Upsert(ctx, run.Record{
		RunID:     "run-1",
		AgentID:   "agent-1",
		AgentType: "acme/worker",
		Status:    run.StatusRunning,
	}))

	got, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, got.Status)
	require.False(t, got.StartedAt.IsZero())
	require.False(t, got.UpdatedAt.IsZero())
}

func TestStore_UpsertPreservesStartedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	require.NoError(t, s.Upsert(ctx, run.Record{RunID: "run-1", Status: run.StatusRunning, StartedAt: started}))
	require.NoError(t, s.Upsert(ctx, run.Record{RunID: "run-1", Status: run.StatusCompleted}))

	got, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
	require.WithinDuration(t, started, got.StartedAt, time.Second)
}

func TestStore_LoadedRecordIsDefensiveCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, run.Record{RunID: "run-1", Labels: map[string]string{"tenant": "acme"}}))

	got, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	got.Labels["tenant"] = "mutated"

	got2, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "acme", got2.Labels["tenant"])
}
