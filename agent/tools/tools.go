// Package tools defines the tool identity, schema, and handler contracts
// the tool executor and loop controller drive against. Schemas are
// compiled JSON Schemas (github.com/santhosh-tekuri/jsonschema/v6), giving
// Template.InputSchema/OutputSchema and Spec's input/output contracts
// real "parse" semantics instead of ad hoc validation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ident is the fully qualified tool identifier a Template's ToolNames and
// SpawnableAgents entries reference.
type Ident string

// ToolUnavailable is a runtime-owned tool identifier used to represent
// model tool calls whose requested tool name is not registered for the
// run. Provider adapters rewrite unknown tool_use blocks found in replayed
// message history to this identifier so a valid tool_use/tool_result
// handshake survives even when the model previously hallucinated a tool
// name that has since been dropped from the allowlist.
const ToolUnavailable Ident = "runtime.tool_unavailable"

// Schema wraps a compiled JSON Schema with the narrow agent.Schema Parse
// contract.
type Schema struct {
	compiled *jsonschema.Schema
	raw      json.RawMessage
}

// CompileSchema compiles a JSON Schema document (as raw JSON bytes) into a
// Schema. resourceName only affects error messages and $ref resolution; a
// stable synthetic name like the tool's Ident is a good choice.
func CompileSchema(resourceName string, doc json.RawMessage) (*Schema, error) {
	var decoded any
	if err := json.Unmarshal(doc, &decoded); err != nil {
		return nil, fmt.Errorf("tools: decode schema %s: %w", resourceName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, decoded); err != nil {
		return nil, fmt.Errorf("tools: add schema resource %s: %w", resourceName, err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema %s: %w", resourceName, err)
	}
	return &Schema{compiled: compiled, raw: doc}, nil
}

// Parse validates value (already unmarshalled into Go-native types — maps,
// slices, scalars) against the compiled schema and returns it unchanged on
// success. It implements agent.Schema.
func (s *Schema) Parse(value any) (any, error) {
	if s == nil || s.compiled == nil {
		return value, nil
	}
	if err := s.compiled.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return value, nil
}

// Raw returns the original JSON Schema document bytes, e.g. for including
// in a tool definition sent to an LLM provider.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

// Handler is the contract a registered tool implementation satisfies. The
// executor calls Handle once per accepted tool call; ordering/serialization
// is enforced by the Ordering token, not by the
// handler itself.
type Handler interface {
	// Handle invokes the tool. previousToolCallFinished, when non-nil, must
	// be awaited (read from, or simply closed-checked) before performing
	// any write with observable side effects, so that writes across tool
	// calls within one agent stay serialized while reads may proceed
	// concurrently.
	Handle(ctx context.Context, call Invocation) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, call Invocation) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, call Invocation) (Result, error) {
	return f(ctx, call)
}

// Ordering is the "previousToolCallFinished" token: a handler may wait
// on Done to know the prior tool call's
// writes have landed, and must call Finish when its own writes are
// complete so the next call's waiters unblock.
type Ordering struct {
	done chan struct{}
}

// NewOrdering returns a token that is already satisfied (Done is closed),
// suitable as the first link in a per-agent ordering chain.
func NewOrdering() *Ordering {
	o := &Ordering{done: make(chan struct{})}
	close(o.done)
	return o
}

// Done returns a channel closed once the previous tool call's writes have
// completed.
func (o *Ordering) Done() <-chan struct{} {
	if o == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.done
}

// Next returns a fresh, unsatisfied token representing this call's own
// completion, to be handed to the next call in sequence.
func (o *Ordering) Next() *Ordering {
	return &Ordering{done: make(chan struct{})}
}

// Finish signals that this call's writes are complete, unblocking any
// handler waiting on Done().
func (o *Ordering) Finish() {
	if o == nil {
		return
	}
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// Invocation is the input to a tool Handler.
type Invocation struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// Ordering is the previousToolCallFinished token.
	Ordering *Ordering

	// RunID / AgentID / SessionID identify the calling run for handlers
	// that need to scope side effects (e.g. the proposed-content store).
	RunID     string
	AgentID   string
	SessionID string
}

// Result is a tool handler's successful output: an ordered list of parts,
// each either free text or a JSON value.
type Result struct {
	Parts []ResultPart
}

// ResultPart mirrors agent.ResultPart so tool packages need not import the
// root agent package just to build a Result.
type ResultPart struct {
	Text   string
	JSON   any
	IsJSON bool
}

// Text is a convenience constructor for a single-text-part Result.
func Text(s string) Result {
	return Result{Parts: []ResultPart{{Text: s}}}
}

// JSON is a convenience constructor for a single-JSON-part Result.
func JSON(v any) Result {
	return Result{Parts: []ResultPart{{JSON: v, IsJSON: true}}}
}

// Spec describes one registered tool: its identity, description, schemas,
// and handler. The tool executor and loop controller look tools up by
// Ident from a Registry.
type Spec struct {
	ID          Ident
	Description string
	Tags        []string

	InputSchema  *Schema
	OutputSchema *Schema

	Handler Handler

	// IsAgentTool marks a tool that is itself a spawnable agent wrapper
	// (spawn_agents and its per-agent shims); such tools are dispatched by
	// agent/spawn rather than by an ordinary Handler.
	IsAgentTool bool
}

// Registry is a read-mostly lookup of tool Specs by Ident, populated at
// startup from application code plus any bundled toolsets.
type Registry struct {
	specs map[Ident]*Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[Ident]*Spec)}
}

// Register adds or replaces a Spec.
func (r *Registry) Register(spec *Spec) {
	r.specs[spec.ID] = spec
}

// Lookup returns the Spec for id, or (nil, false) if unregistered.
func (r *Registry) Lookup(id Ident) (*Spec, bool) {
	spec, ok := r.specs[id]
	return spec, ok
}

// All returns every registered Spec, in no particular order.
func (r *Registry) All() []*Spec {
	out := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}
