// Package toolexec implements the tool executor: given a batch of tool
// calls decoded from one LLM turn, it looks up each tool's
// registered Spec, validates input/output against compiled JSON Schemas,
// invokes the Handler under the per-agent Ordering chain, and emits the
// resulting hook/stream events and tool-result messages.
package toolexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/toolerrors"
	"github.com/levelcode/agentkit/agent/tools"
)

type (
	// Call is one tool invocation requested by a model turn or a
	// programmatic step.
	Call struct {
		ToolCallID string
		ToolName   tools.Ident
		Input      map[string]any
	}

	// Result is the outcome of executing one Call, always paired 1:1 with
	// its Call by ToolCallID.
	Result struct {
		ToolCallID string
		ToolName   tools.Ident
		Parts      []tools.ResultPart
		IsError    bool
		ErrMessage string
	}

	// Executor runs tool calls against a Registry, serializing each
	// agent's writes via a per-agent Ordering chain while allowing
	// concurrent calls across distinct agents.
	Executor struct {
		registry *tools.Registry
		bus      *hooks.Bus
		sink     stream.Sink
	}
)

// New constructs an Executor. bus and sink may be nil to discard
// observability output.
func New(registry *tools.Registry, bus *hooks.Bus, sink stream.Sink) *Executor {
	if sink == nil {
		sink = stream.Discard{}
	}
	return &Executor{registry: registry, bus: bus, sink: sink}
}

// ExecuteBatch runs calls for one agent concurrently, serializing the
// handler-visible Ordering token across calls in call order (so that a
// later call's handler can await the prior call's writes) while allowing
// the calls themselves to overlap. decision, when non-nil, gates which
// tools may run and how many calls remain before the run's caps kick in.
func (e *Executor) ExecuteBatch(ctx context.Context, runID, agentID string, calls []Call, decision *policy.Decision) []Result {
	results := make([]Result, len(calls))
	order := tools.NewOrdering()

	var wg sync.WaitGroup
	for i, call := range calls {
		current := order
		next := order.Next()
		order = next

		wg.Add(1)
		go func(i int, call Call, prior, mine *tools.Ordering) {
			defer wg.Done()
			defer mine.Finish()
			results[i] = e.executeOne(ctx, runID, agentID, call, prior, decision)
		}(i, call, current, next)
	}
	wg.Wait()
	return results
}

// Validate reports whether name identifies a registered tool and, if so,
// whether input satisfies its input schema. ok is false for either an
// unknown tool or a schema-rejected input, with reason describing which.
// Callers that must decide whether to record a tool-call/tool-result pair
// before invoking the tool (agent/runtime's LLM and programmatic step
// drivers) call this first, so a rejection never produces an orphaned
// assistant tool-call or tool-result message: the call is simply never
// recorded.
func (e *Executor) Validate(name tools.Ident, input map[string]any) (ok bool, reason string) {
	spec, found := e.registry.Lookup(name)
	if !found {
		return false, fmt.Sprintf("no such tool %q", name)
	}
	if spec.InputSchema != nil {
		if _, err := spec.InputSchema.Parse(input); err != nil {
			return false, fmt.Sprintf("Invalid parameters for %s: %s", name, err)
		}
	}
	return true, ""
}

func (e *Executor) executeOne(ctx context.Context, runID, agentID string, call Call, ordering *tools.Ordering, decision *policy.Decision) Result {
	e.publish(ctx, hooks.ToolCallScheduled, runID, agentID, map[string]any{
		"tool_call_id": call.ToolCallID,
		"tool_name":    string(call.ToolName),
	})

	if decision != nil && !policyAllows(decision, call.ToolName) {
		return e.fail(ctx, runID, agentID, call, toolerrors.New(fmt.Sprintf("tool %q is not permitted by the current policy decision", call.ToolName)))
	}

	if ok, reason := e.Validate(call.ToolName, call.Input); !ok {
		return e.fail(ctx, runID, agentID, call, toolerrors.New(reason))
	}
	spec, _ := e.registry.Lookup(call.ToolName)

	invocation := tools.Invocation{
		ToolCallID: call.ToolCallID,
		ToolName:   string(call.ToolName),
		Input:      call.Input,
		Ordering:   ordering,
		RunID:      runID,
		AgentID:    agentID,
	}

	result, err := spec.Handler.Handle(ctx, invocation)
	if err != nil {
		return e.fail(ctx, runID, agentID, call, toolerrors.FromError(err))
	}

	if spec.OutputSchema != nil {
		if err := validateOutput(spec.OutputSchema, result); err != nil {
			return e.fail(ctx, runID, agentID, call, toolerrors.NewWithCause("tool output failed schema validation", err))
		}
	}

	e.publish(ctx, hooks.ToolResultReceived, runID, agentID, map[string]any{
		"tool_call_id": call.ToolCallID,
		"tool_name":    string(call.ToolName),
		"is_error":     false,
	})
	_ = e.sink.Send(ctx, stream.NewToolResult(runID, agentID, call.ToolCallID, resultToAny(result), false))

	return Result{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: result.Parts}
}

func (e *Executor) fail(ctx context.Context, runID, agentID string, call Call, toolErr *toolerrors.ToolError) Result {
	e.publish(ctx, hooks.ToolResultReceived, runID, agentID, map[string]any{
		"tool_call_id": call.ToolCallID,
		"tool_name":    string(call.ToolName),
		"is_error":     true,
		"message":      toolErr.Error(),
	})
	_ = e.sink.Send(ctx, stream.NewToolResult(runID, agentID, call.ToolCallID, toolErr.Error(), true))
	return Result{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		IsError:    true,
		ErrMessage: toolErr.Error(),
	}
}

func (e *Executor) publish(ctx context.Context, typ hooks.EventType, runID, agentID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, hooks.Event{Type: typ, RunID: runID, AgentID: agentID, Data: data})
}

func policyAllows(decision *policy.Decision, name tools.Ident) bool {
	if decision.DisableTools {
		return false
	}
	if len(decision.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range decision.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

func validateOutput(schema *tools.Schema, result tools.Result) error {
	for _, part := range result.Parts {
		if !part.IsJSON {
			continue
		}
		if _, err := schema.Parse(part.JSON); err != nil {
			return err
		}
	}
	return nil
}

// ToMessage converts a batch of Results into the tool-result Content
// entries for the next turn's user-role message.
func ToMessage(results []Result) agent.Message {
	contents := make([]agent.Content, 0, len(results))
	for _, r := range results {
		contents = append(contents, agent.ToolResultContent{
			ToolCallID: r.ToolCallID,
			Parts:      toAgentResultParts(r),
			IsError:    r.IsError,
		})
	}
	return agent.Message{Role: agent.RoleTool, Content: contents}
}

func toAgentResultParts(r Result) []agent.ResultPart {
	if r.IsError {
		return []agent.ResultPart{{Text: r.ErrMessage}}
	}
	out := make([]agent.ResultPart, 0, len(r.Parts))
	for _, p := range r.Parts {
		out = append(out, agent.ResultPart{Text: p.Text, JSON: p.JSON, IsJSON: p.IsJSON})
	}
	return out
}

func resultToAny(result tools.Result) any {
	if len(result.Parts) == 1 && !result.Parts[0].IsJSON {
		return result.Parts[0].Text
	}
	out := make([]any, 0, len(result.Parts))
	for _, p := range result.Parts {
		if p.IsJSON {
			out = append(out, p.JSON)
		} else {
			out = append(out, p.Text)
		}
	}
	return out
}
