// Package inmem provides an in-memory implementation of run.Store for tests
// and local development. Records are lost when the process exits; see
// agent/run/mongo for a durable backend.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/levelcode/agentkit/agent/run"
)

// Store implements run.Store over an in-process map keyed by RunID. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

var _ run.Store = (*Store)(nil)

// Upsert inserts or updates the record keyed by r.RunID. An existing
// record's StartedAt is preserved when r.StartedAt is zero.
func (s *Store) Upsert(_ context.Context, r run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.RunID]; ok && r.StartedAt.IsZero() {
		r.StartedAt = existing.StartedAt
	} else if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r.Labels = cloneLabels(r.Labels)
	s.records[r.RunID] = r
	return nil
}

// Load retrieves the record for runID, or a zero Record if unknown.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return run.Record{}, nil
	}
	r.Labels = cloneLabels(r.Labels)
	return r, nil
}

// Reset clears every stored record. Primarily useful between test cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Record)
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
