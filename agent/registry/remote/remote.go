// Package remote implements the external-database tier of agent/registry's
// precedence lookup against Redis. Grounded on a Redis-backed Pulse stream
// client (features/stream/pulse/clients/pulse): the same "wrap a
// *redis.Client, expose a narrow typed interface" layering, adapted from
// stream fan-out to a plain get/set/publish key-value use — go-redis is
// used directly rather than through goa.design/pulse (dropped; see
// DESIGN.md).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/registry"
	"github.com/levelcode/agentkit/agent/tools"
)

const (
	keyPrefix           = "agentkit:registry:template:"
	invalidationChannel = "agentkit:registry:invalidate"
)

// Store is agent/registry.RemoteStore backed by Redis: GET/SET for the
// template documents themselves, Pub/Sub on invalidationChannel so every
// process's Registry cache drops a template as soon as another process
// republishes or removes it.
type Store struct {
	client *redis.Client
}

var _ registry.RemoteStore = (*Store)(nil)

// New wraps an already-configured *redis.Client. The caller owns the
// client's lifecycle (connection pool, TLS, auth).
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Fetch implements registry.RemoteStore.
func (s *Store) Fetch(ctx context.Context, fullID string) (*agent.Template, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+fullID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("remote registry: get %q: %w", fullID, err)
	}
	var doc templateDocument
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, false, fmt.Errorf("remote registry: decode %q: %w", fullID, err)
	}
	tmpl, err := doc.toTemplate()
	if err != nil {
		return nil, false, fmt.Errorf("remote registry: decode %q: %w", fullID, err)
	}
	return tmpl, true, nil
}

// Publish stores tmpl remotely under its own FullID and notifies every
// subscribed Registry to drop its cached copy.
func (s *Store) Publish(ctx context.Context, tmpl *agent.Template) error {
	b, err := json.Marshal(fromTemplate(tmpl))
	if err != nil {
		return fmt.Errorf("remote registry: encode %q: %w", tmpl.ID.FullID(), err)
	}
	if err := s.client.Set(ctx, keyPrefix+tmpl.ID.FullID(), b, 0).Err(); err != nil {
		return fmt.Errorf("remote registry: set %q: %w", tmpl.ID.FullID(), err)
	}
	return s.client.Publish(ctx, invalidationChannel, tmpl.ID.FullID()).Err()
}

// Remove deletes fullID remotely and notifies subscribed Registries.
func (s *Store) Remove(ctx context.Context, fullID string) error {
	if err := s.client.Del(ctx, keyPrefix+fullID).Err(); err != nil {
		return fmt.Errorf("remote registry: del %q: %w", fullID, err)
	}
	return s.client.Publish(ctx, invalidationChannel, fullID).Err()
}

// WatchInvalidations subscribes to the invalidation channel and calls
// reg.InvalidateCache for every published id until ctx is cancelled or the
// subscription's channel closes. Intended to run in its own goroutine for
// the lifetime of the process.
func (s *Store) WatchInvalidations(ctx context.Context, reg *registry.Registry) error {
	sub := s.client.Subscribe(ctx, invalidationChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			reg.InvalidateCache(msg.Payload)
		}
	}
}

// templateDocument is the JSON wire form of an agent.Template stored in
// Redis. Schemas round-trip through Schema.Raw()/tools.CompileSchema
// rather than any jsonschema-internal representation.
type templateDocument struct {
	Publisher                 string          `json:"publisher,omitempty"`
	ID                         string          `json:"id"`
	Version                    string          `json:"version,omitempty"`
	DisplayName                string          `json:"displayName,omitempty"`
	Model                      string          `json:"model"`
	SystemPrompt               string          `json:"systemPrompt,omitempty"`
	InstructionsPrompt         string          `json:"instructionsPrompt,omitempty"`
	StepPrompt                 string          `json:"stepPrompt,omitempty"`
	ToolNames                  []string        `json:"toolNames,omitempty"`
	SpawnableAgents            []string        `json:"spawnableAgents,omitempty"`
	InputSchema                json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema               json.RawMessage `json:"outputSchema,omitempty"`
	OutputMode                 string          `json:"outputMode,omitempty"`
	IncludeMessageHistory      bool            `json:"includeMessageHistory,omitempty"`
	InheritParentSystemPrompt  bool            `json:"inheritParentSystemPrompt,omitempty"`
	HandleStepsSource          string          `json:"handleStepsSource,omitempty"`
	DefaultStepsRemaining      int             `json:"defaultStepsRemaining,omitempty"`
}

func fromTemplate(tmpl *agent.Template) templateDocument {
	doc := templateDocument{
		Publisher:                 tmpl.ID.Publisher,
		ID:                        tmpl.ID.ID,
		Version:                   tmpl.ID.Version,
		DisplayName:               tmpl.DisplayName,
		Model:                     tmpl.Model,
		SystemPrompt:              tmpl.SystemPrompt,
		InstructionsPrompt:        tmpl.InstructionsPrompt,
		StepPrompt:                tmpl.StepPrompt,
		ToolNames:                 tmpl.ToolNames,
		SpawnableAgents:           tmpl.SpawnableAgents,
		OutputMode:                string(tmpl.OutputMode),
		IncludeMessageHistory:     tmpl.IncludeMessageHistory,
		InheritParentSystemPrompt: tmpl.InheritParentSystemPrompt,
		DefaultStepsRemaining:     tmpl.DefaultStepsRemaining,
	}
	if tmpl.InputSchema != nil {
		if s, ok := tmpl.InputSchema.(*tools.Schema); ok {
			doc.InputSchema = s.Raw()
		}
	}
	if tmpl.OutputSchema != nil {
		if s, ok := tmpl.OutputSchema.(*tools.Schema); ok {
			doc.OutputSchema = s.Raw()
		}
	}
	if tmpl.HandleSteps != nil {
		if src, isSource := tmpl.HandleSteps.Source(); isSource {
			doc.HandleStepsSource = src
		}
	}
	return doc
}

func (doc templateDocument) toTemplate() (*agent.Template, error) {
	id := agent.AgentID{Publisher: doc.Publisher, ID: doc.ID, Version: doc.Version}
	tmpl := &agent.Template{
		ID:                        id,
		DisplayName:               doc.DisplayName,
		Model:                     doc.Model,
		SystemPrompt:              doc.SystemPrompt,
		InstructionsPrompt:        doc.InstructionsPrompt,
		StepPrompt:                doc.StepPrompt,
		ToolNames:                 doc.ToolNames,
		SpawnableAgents:           doc.SpawnableAgents,
		OutputMode:                agent.OutputMode(doc.OutputMode),
		IncludeMessageHistory:     doc.IncludeMessageHistory,
		InheritParentSystemPrompt: doc.InheritParentSystemPrompt,
		DefaultStepsRemaining:     doc.DefaultStepsRemaining,
	}
	if len(doc.InputSchema) > 0 {
		schema, err := tools.CompileSchema(id.FullID()+"#input", doc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("inputSchema: %w", err)
		}
		tmpl.InputSchema = schema
	}
	if len(doc.OutputSchema) > 0 {
		schema, err := tools.CompileSchema(id.FullID()+"#output", doc.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("outputSchema: %w", err)
		}
		tmpl.OutputSchema = schema
	}
	if doc.HandleStepsSource != "" {
		tmpl.HandleSteps = agent.SourceStepHandler{Src: doc.HandleStepsSource}
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}
