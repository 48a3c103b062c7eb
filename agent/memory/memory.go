// Package memory exposes the storage contract for persisting and retrieving
// an agent run's message history across process restarts, independent of
// the in-process agent.StateIndex an AgentState lives in while a run is
// active.
package memory

import (
	"context"

	"github.com/levelcode/agentkit/agent"
)

// Store persists the message history of agent runs so a run can be resumed
// (or simply audited) after the process that started it exits. Production
// deployments typically use a durable backend; see agent/memory/mongo. A
// single process testing or developing locally can use agent/memory/inmem.
//
// Implementations must be safe for concurrent use: sibling subagent runs
// append to distinct runIDs concurrently, and nothing serializes those
// calls upstream.
type Store interface {
	// LoadHistory retrieves the message history for the given agent and run.
	// Returns an empty, non-nil slice (not an error) if the run has no
	// persisted history yet, so callers can treat absence as an empty run.
	LoadHistory(ctx context.Context, agentID, runID string) ([]agent.Message, error)

	// AppendMessages appends messages to the run's persisted history, in
	// order. A no-op when messages is empty.
	AppendMessages(ctx context.Context, agentID, runID string, messages ...agent.Message) error
}
