// Package inmem provides an in-memory implementation of memory.Store for
// tests and local development. History is lost when the process exits; see
// agent/memory/mongo for a durable backend.
package inmem

import (
	"context"
	"sync"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/memory"
)

// Store implements memory.Store over an in-process map keyed by agent ID
// then run ID. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	runs map[string]map[string][]agent.Message
}

// New returns an empty Store, ready to use.
func New() *Store {
	return &Store{runs: make(map[string]map[string][]agent.Message)}
}

var _ memory.Store = (*Store)(nil)

// LoadHistory returns a defensive copy of the run's persisted history, or an
// empty slice if the run has never been appended to.
func (s *Store) LoadHistory(_ context.Context, agentID, runID string) ([]agent.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.runs[agentID][runID]
	out := make([]agent.Message, len(history))
	copy(out, history)
	return out, nil
}

// AppendMessages appends messages to the run's history. A no-op when
// messages is empty.
func (s *Store) AppendMessages(_ context.Context, agentID, runID string, messages ...agent.Message) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[agentID]
	if runs == nil {
		runs = make(map[string][]agent.Message)
		s.runs[agentID] = runs
	}
	runs[runID] = append(runs[runID], messages...)
	return nil
}

// Reset clears every stored run. Primarily useful between test cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]map[string][]agent.Message)
}
