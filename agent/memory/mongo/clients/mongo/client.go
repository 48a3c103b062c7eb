// Package mongo implements the low-level MongoDB client used by the message
// history store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/levelcode/agentkit/agent"
)

const (
	defaultCollection = "agent_history"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for run message history.
type Client interface {
	health.Pinger

	LoadHistory(ctx context.Context, agentID, runID string) ([]agent.Message, error)
	AppendMessages(ctx context.Context, agentID, runID string, messages []agent.Message) error
}

// Options configures the Mongo client implementation.
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

// New returns a Client backed by the provided MongoDB client.
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

func (c *client) LoadHistory(ctx context.Context, agentID, runID string) ([]agent.Message, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"agent_id": agentID, "run_id": runID}
	var doc historyDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return []agent.Message{}, nil
		}
		return nil, err
	}
	return fromMessageDocuments(doc.Messages)
}

func (c *client) AppendMessages(ctx context.Context, agentID, runID string, messages []agent.Message) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	if runID == "" {
		return errors.New("run id is required")
	}
	if len(messages) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	docs, err := toMessageDocuments(messages)
	if err != nil {
		return err
	}
	filter := bson.M{"agent_id": agentID, "run_id": runID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"agent_id": agentID,
			"run_id":   runID,
		},
		"$set": bson.M{
			"updated_at": time.Now().UTC(),
		},
		"$push": bson.M{
			"messages": bson.M{"$each": docs},
		},
	}
	_, err = c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
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
		Keys:    bson.D{{Key: "agent_id", Value: 1}, {Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type historyDocument struct {
	AgentID   string            `bson:"agent_id"`
	RunID     string            `bson:"run_id"`
	Messages  []messageDocument `bson:"messages"`
	UpdatedAt time.Time         `bson:"updated_at,omitempty"`
}

type messageDocument struct {
	Role      string            `bson:"role"`
	Content   []contentDocument `bson:"content"`
	TTL       string            `bson:"ttl,omitempty"`
	Tag       string            `bson:"tag,omitempty"`
	CreatedAt int64             `bson:"created_at,omitempty"`
}

// contentDocument is the tagged-union wire form of an agent.Content value:
// exactly the fields relevant to Kind are populated.
type contentDocument struct {
	Kind       string               `bson:"kind"`
	Text       string               `bson:"text,omitempty"`
	ToolCallID string               `bson:"tool_call_id,omitempty"`
	ToolName   string               `bson:"tool_name,omitempty"`
	Input      bson.M               `bson:"input,omitempty"`
	Parts      []resultPartDocument `bson:"parts,omitempty"`
	IsError    bool                 `bson:"is_error,omitempty"`
}

type resultPartDocument struct {
	Text   string `bson:"text,omitempty"`
	JSON   any    `bson:"json,omitempty"`
	IsJSON bool   `bson:"is_json,omitempty"`
}

const (
	kindText       = "text"
	kindToolCall   = "tool_call"
	kindToolResult = "tool_result"
)

func toMessageDocuments(messages []agent.Message) ([]messageDocument, error) {
	docs := make([]messageDocument, len(messages))
	for i, m := range messages {
		content := make([]contentDocument, len(m.Content))
		for j, c := range m.Content {
			cd, err := toContentDocument(c)
			if err != nil {
				return nil, err
			}
			content[j] = cd
		}
		docs[i] = messageDocument{
			Role:      string(m.Role),
			Content:   content,
			TTL:       string(m.TTL),
			Tag:       string(m.Tag),
			CreatedAt: m.CreatedAt,
		}
	}
	return docs, nil
}

func fromMessageDocuments(docs []messageDocument) ([]agent.Message, error) {
	out := make([]agent.Message, len(docs))
	for i, doc := range docs {
		content := make([]agent.Content, len(doc.Content))
		for j, cd := range doc.Content {
			c, err := fromContentDocument(cd)
			if err != nil {
				return nil, err
			}
			content[j] = c
		}
		out[i] = agent.Message{
			Role:      agent.Role(doc.Role),
			Content:   content,
			TTL:       agent.TimeToLive(doc.TTL),
			Tag:       agent.Tag(doc.Tag),
			CreatedAt: doc.CreatedAt,
		}
	}
	return out, nil
}

func toContentDocument(c agent.Content) (contentDocument, error) {
	switch v := c.(type) {
	case agent.TextContent:
		return contentDocument{Kind: kindText, Text: v.Text}, nil
	case agent.ToolCallContent:
		return contentDocument{
			Kind:       kindToolCall,
			ToolCallID: v.ToolCallID,
			ToolName:   v.ToolName,
			Input:      bson.M(v.Input),
		}, nil
	case agent.ToolResultContent:
		parts := make([]resultPartDocument, len(v.Parts))
		for i, p := range v.Parts {
			parts[i] = resultPartDocument{Text: p.Text, JSON: p.JSON, IsJSON: p.IsJSON}
		}
		return contentDocument{
			Kind:       kindToolResult,
			ToolCallID: v.ToolCallID,
			Parts:      parts,
			IsError:    v.IsError,
		}, nil
	default:
		return contentDocument{}, fmt.Errorf("memory: unknown content type %T", c)
	}
}

func fromContentDocument(cd contentDocument) (agent.Content, error) {
	switch cd.Kind {
	case kindText:
		return agent.TextContent{Text: cd.Text}, nil
	case kindToolCall:
		return agent.ToolCallContent{
			ToolCallID: cd.ToolCallID,
			ToolName:   cd.ToolName,
			Input:      map[string]any(cd.Input),
		}, nil
	case kindToolResult:
		parts := make([]agent.ResultPart, len(cd.Parts))
		for i, p := range cd.Parts {
			parts[i] = agent.ResultPart{Text: p.Text, JSON: p.JSON, IsJSON: p.IsJSON}
		}
		return agent.ToolResultContent{ToolCallID: cd.ToolCallID, Parts: parts, IsError: cd.IsError}, nil
	default:
		return nil, fmt.Errorf("memory: unknown content kind %q", cd.Kind)
	}
}
