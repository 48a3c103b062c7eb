// Package spawn implements the spawn_agents tool: fanning a parent agent's
// turn out to one or more subagents, running each to completion through its
// own agent/runtime.Controller.Loop, and aggregating each child's result
// back into the parent's tool-result message. Concurrency is bounded with
// the standard library only: one goroutine per child, gated by a buffered
// channel of MaxConcurrency slots and joined with a sync.WaitGroup.
package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/runtime"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/tools"
)

// TemplateLookup resolves a registered agent Template by id. agent/registry's
// Registry satisfies this; spawn depends only on the narrow Lookup method so
// it need not import agent/registry. ctx bounds a remote-backed Registry's
// fallback fetch, not just the in-memory tiers.
type TemplateLookup interface {
	Lookup(ctx context.Context, id string) (*agent.Template, bool)
}

// Spawner drives spawn_agents tool calls on behalf of every template
// registered against Templates.
type Spawner struct {
	Templates TemplateLookup
	States    *agent.StateIndex
	Runtime   *runtime.Controller

	// MaxConcurrency bounds how many children of one spawn_agents call run
	// at once. Defaults to 4 when <= 0.
	MaxConcurrency int
}

// spawnAgentsInputSchema is the JSON Schema validated against every
// spawn_agents call before the assistant tool-call is ever recorded, so a
// malformed `agents` field (e.g. not an array) is rejected as an
// input-schema failure rather than surfacing as a decode exception inside
// the handler.
const spawnAgentsInputSchema = `{
	"type": "object",
	"properties": {
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"agent_type": {"type": "string"},
					"prompt": {"type": "string"}
				},
				"required": ["agent_type", "prompt"]
			}
		}
	},
	"required": ["agents"]
}`

// Tool builds the spawn_agents tools.Spec. Register it once against the
// application's tools.Registry; every Template wanting to spawn lists
// "spawn_agents" in its ToolNames and the specific children it may spawn in
// SpawnableAgents.
func (s *Spawner) Tool() *tools.Spec {
	schema, err := tools.CompileSchema("spawn_agents#input", json.RawMessage(spawnAgentsInputSchema))
	if err != nil {
		panic(fmt.Sprintf("spawn: compile spawn_agents input schema: %v", err))
	}
	return &tools.Spec{
		ID:          "spawn_agents",
		Description: "Spawn one or more subagents concurrently and wait for their results.",
		IsAgentTool: true,
		InputSchema: schema,
		Handler:     tools.HandlerFunc(s.handle),
	}
}

type spawnRequest struct {
	AgentType string `json:"agent_type"`
	Prompt    string `json:"prompt"`
}

type spawnInput struct {
	Agents []spawnRequest `json:"agents"`
}

type spawnResult struct {
	AgentType string `json:"agent_type"`
	AgentID   string `json:"agent_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Spawner) handle(ctx context.Context, call tools.Invocation) (tools.Result, error) {
	parentState, ok := s.States.Get(call.AgentID)
	if !ok {
		return tools.Result{}, fmt.Errorf("spawn: calling agent %q has no tracked state", call.AgentID)
	}
	parentTmpl, ok := s.Templates.Lookup(ctx, parentState.AgentType)
	if !ok {
		return tools.Result{}, fmt.Errorf("spawn: calling agent's template %q is not registered", parentState.AgentType)
	}

	var in spawnInput
	if err := decodeSpawnInput(call.Input, &in); err != nil {
		return tools.Result{}, fmt.Errorf("spawn: decode input: %w", err)
	}
	if len(in.Agents) == 0 {
		return tools.Result{}, errors.New("spawn: no agents requested")
	}

	results := s.spawnAll(ctx, parentTmpl, parentState, in.Agents)
	return tools.JSON(map[string]any{"results": results}), nil
}

func (s *Spawner) spawnAll(ctx context.Context, parentTmpl *agent.Template, parentState *agent.AgentState, reqs []spawnRequest) []spawnResult {
	out := make([]spawnResult, len(reqs))
	sem := make(chan struct{}, s.concurrency())
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req spawnRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = s.spawnOne(ctx, parentTmpl, parentState, req)
		}(i, req)
	}
	wg.Wait()
	return out
}

func (s *Spawner) concurrency() int {
	if s.MaxConcurrency <= 0 {
		return 4
	}
	return s.MaxConcurrency
}

// spawnOne runs a single child to completion. A child's failure (an
// unresolvable agent type, a Loop error, or a terminal error Output) is
// captured on its own spawnResult.Error and never aborts its siblings.
func (s *Spawner) spawnOne(ctx context.Context, parentTmpl *agent.Template, parentState *agent.AgentState, req spawnRequest) spawnResult {
	res := spawnResult{AgentType: req.AgentType}

	if !parentTmpl.CanSpawn(req.AgentType) {
		res.Error = fmt.Sprintf("agent %q is not listed in this template's spawnableAgents", req.AgentType)
		return res
	}
	childTmpl, ok := s.Templates.Lookup(ctx, req.AgentType)
	if !ok {
		res.Error = fmt.Sprintf("unknown agent template %q", req.AgentType)
		return res
	}

	runID := agent.NewRunID()
	child := agent.NewAgentState(req.AgentType, parentState.AgentID, runID, childTmpl.DefaultStepsRemaining)
	res.AgentID = child.AgentID
	res.RunID = runID

	if childTmpl.InheritParentSystemPrompt {
		if sys := resolvedSystemPrompt(parentState); sys != "" {
			child.AppendMessage(agent.Message{Role: agent.RoleSystem, Content: []agent.Content{agent.TextContent{Text: sys}}})
		}
	}
	if childTmpl.IncludeMessageHistory {
		includeSystem := !childTmpl.InheritParentSystemPrompt
		for _, m := range parentState.FilteredHistory(includeSystem) {
			child.AppendMessage(m)
		}
	}
	child.AppendMessage(agent.Message{
		Role: agent.RoleUser,
		Content: []agent.Content{agent.TextContent{
			Text: fmt.Sprintf("[subagent_spawn] Spawned as %q by agent %s.", req.AgentType, parentState.AgentID),
		}},
	})

	parentState.AddChildRunID(runID)
	if s.States != nil {
		s.States.Put(child)
		defer s.States.Delete(child.AgentID)
	}

	ctrl := s.Runtime.WithSink(decoratingSink{under: s.Runtime.Sink(), parentAgentID: parentState.AgentID})

	_ = ctrl.Sink().Send(ctx, stream.NewSubagentStart(runID, child.AgentID, req.AgentType, parentState.AgentID))
	out, err := ctrl.Loop(ctx, childTmpl, child, req.Prompt, resolvedSystemPrompt(parentState))
	_ = ctrl.Sink().Send(ctx, stream.NewSubagentFinish(runID, child.AgentID, req.AgentType, parentState.AgentID))

	if err != nil {
		res.Error = err.Error()
		return res
	}
	if out.IsError() {
		res.Error = out.ErrorMessage
		return res
	}
	res.Output = aggregateOutput(childTmpl, child)
	return res
}

// resolvedSystemPrompt returns the system message text a child inheriting
// parentState's system prompt must reuse verbatim so provider-side prompt
// caching still applies. parentState's own system message, seeded once by
// Loop's seedTurn, already holds the parent's resolved prompt whether the
// parent's template declared one directly or itself inherited it from a
// grandparent, so this reads history rather than the parent Template's
// SystemPrompt field (empty for an inheriting parent).
func resolvedSystemPrompt(parentState *agent.AgentState) string {
	for _, m := range parentState.History() {
		if m.Role == agent.RoleSystem {
			return m.Text()
		}
	}
	return ""
}

// aggregateOutput summarizes a finished child's result according to its
// template's OutputMode.
func aggregateOutput(tmpl *agent.Template, state *agent.AgentState) any {
	switch tmpl.OutputMode {
	case agent.OutputStructured:
		if state.Output.IsSet() {
			return state.Output.Structured
		}
		return nil
	case agent.OutputAllMessages:
		return messageSummaries(state.History())
	default: // agent.OutputLastMessage, ""
		return lastAssistantText(state.History())
	}
}

func lastAssistantText(history []agent.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != agent.RoleAssistant {
			continue
		}
		if t := history[i].Text(); t != "" {
			return t
		}
	}
	return ""
}

func messageSummaries(history []agent.Message) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, m := range history {
		out = append(out, map[string]any{"role": string(m.Role), "text": m.Text()})
	}
	return out
}

// decoratingSink stamps every event forwarded to under with the spawning
// agent's id. Close is a no-op: under is shared with the parent run and any
// sibling children, none of which should see it torn down when one child
// finishes.
type decoratingSink struct {
	under         stream.Sink
	parentAgentID string
}

func (d decoratingSink) Send(ctx context.Context, event stream.Event) error {
	event.ParentAgentID = d.parentAgentID
	return d.under.Send(ctx, event)
}

func (d decoratingSink) Close(context.Context) error { return nil }

func decodeSpawnInput(raw map[string]any, out *spawnInput) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
