package mongo

import (
	"context"
	"errors"

	"github.com/levelcode/agentkit/agent"
	clientsmongo "github.com/levelcode/agentkit/agent/memory/mongo/clients/mongo"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed memory store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client
// using the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// LoadHistory loads the persisted message history for the given agent/run.
func (s *Store) LoadHistory(ctx context.Context, agentID, runID string) ([]agent.Message, error) {
	return s.client.LoadHistory(ctx, agentID, runID)
}

// AppendMessages appends messages to the run's persisted history.
func (s *Store) AppendMessages(ctx context.Context, agentID, runID string, messages ...agent.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.client.AppendMessages(ctx, agentID, runID, messages)
}
