// Package mongo hosts the MongoDB client used by the run store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/levelcode/agentkit/agent/run"
)

const (
	defaultCollection = "agent_runs"
	defaultTimeout    = 5 * time.Second
	clientName        = "run-mongo"
)

// Client exposes Mongo-backed operations for run metadata.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, r run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertRun(ctx context.Context, r run.Record) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromRun(r)
	filter := bson.M{"run_id": r.RunID}
	set := bson.M{
		"agent_id":      doc.AgentID,
		"agent_type":    doc.AgentType,
		"parent_run_id": doc.ParentRunID,
		"status":        doc.Status,
		"updated_at":    doc.UpdatedAt,
		"labels":        doc.Labels,
		"error_message": doc.ErrorMessage,
	}
	update := bson.M{"$set": set}
	if r.StartedAt.IsZero() {
		update["$setOnInsert"] = bson.M{"started_at": now}
	} else {
		set["started_at"] = doc.StartedAt
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, nil
		}
		return run.Record{}, err
	}
	return doc.toRun(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type runDocument struct {
	RunID        string            `bson:"run_id"`
	AgentID      string            `bson:"agent_id"`
	AgentType    string            `bson:"agent_type,omitempty"`
	ParentRunID  string            `bson:"parent_run_id,omitempty"`
	Status       run.Status        `bson:"status"`
	StartedAt    time.Time         `bson:"started_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
	Labels       map[string]string `bson:"labels,omitempty"`
	ErrorMessage string            `bson:"error_message,omitempty"`
}

func fromRun(r run.Record) runDocument {
	return runDocument{
		RunID:        r.RunID,
		AgentID:      r.AgentID,
		AgentType:    r.AgentType,
		ParentRunID:  r.ParentRunID,
		Status:       r.Status,
		StartedAt:    r.StartedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		Labels:       cloneLabels(r.Labels),
		ErrorMessage: r.ErrorMessage,
	}
}

func (doc runDocument) toRun() run.Record {
	return run.Record{
		RunID:        doc.RunID,
		AgentID:      doc.AgentID,
		AgentType:    doc.AgentType,
		ParentRunID:  doc.ParentRunID,
		Status:       doc.Status,
		StartedAt:    doc.StartedAt,
		UpdatedAt:    doc.UpdatedAt,
		Labels:       cloneLabels(doc.Labels),
		ErrorMessage: doc.ErrorMessage,
	}
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
