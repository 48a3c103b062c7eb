package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/progstep"
	"github.com/levelcode/agentkit/agent/progstep/sandbox"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/streamparse"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
)

// progResult is the outcome of one call into the programmatic step driver.
type progResult struct {
	// EndTurn is set once the generator has returned.
	EndTurn bool
	// GenerateN is >0 when the generator yielded GENERATE_N and the Loop
	// Controller must perform an n-response LLM call and feed the results
	// back on the next call.
	GenerateN int
	// Yielded reports whether the generator paused on STEP or STEP_ALL
	// this call, requiring the Loop Controller to run an ordinary LLM
	// step next.
	Yielded bool
}

// genState is the per-run programmatic-step bookkeeping the Loop
// Controller threads across iterations: the live generator handle, the
// shared STEP_ALL flag (held per-run rather than inside the generator
// itself), and which yield kind is still awaiting a Resume.
type genState struct {
	rt          *progstep.Runtime
	stepAllFlag bool
	pendingKind progstep.RequestKind
}

// runProgrammaticStep drives one call into a template's programmatic step
// generator. stepsComplete reflects whether the prior LLM step ended its
// turn (fed in as the
// generator's STEP/STEP_ALL response); nResponses carries the result of a
// prior GENERATE_N request, if any.
func (c *Controller) runProgrammaticStep(ctx context.Context, tmpl *agent.Template, state *agent.AgentState, gs *genState, stepsComplete bool, nResponses []string, decision *policy.Decision) (progResult, error) {
	if gs.rt == nil {
		gs.rt = progstep.Start(ctx, asGeneratorFunc(tmpl))
		c.cfg.Generators.Put(state.AgentID, gs.rt)
	}

	if gs.stepAllFlag {
		if !stepsComplete {
			return progResult{Yielded: true}, nil
		}
		gs.stepAllFlag = false
	}

	if gs.pendingKind != "" {
		resp := progstep.Response{}
		switch gs.pendingKind {
		case progstep.KindStep, progstep.KindStepAll:
			resp.EndedTurn = stepsComplete
		case progstep.KindGenerateN:
			resp.Texts = nResponses
		}
		gs.pendingKind = ""
		if err := gs.rt.Resume(resp); err != nil {
			if errors.Is(err, progstep.ErrGeneratorFinished) {
				return c.finishGenerator(state, gs)
			}
			return progResult{}, err
		}
	}

	for {
		req, ok := gs.rt.Next()
		if !ok {
			return c.finishGenerator(state, gs)
		}

		switch req.Kind {
		case progstep.KindTool:
			result := c.execProgrammaticTool(ctx, state, req, decision)
			if err := gs.rt.Resume(progstep.Response{ToolResult: result}); err != nil {
				if errors.Is(err, progstep.ErrGeneratorFinished) {
					return c.finishGenerator(state, gs)
				}
				return progResult{}, err
			}

		case progstep.KindStepText:
			c.execStepText(ctx, state, req.Text, decision)
			if err := gs.rt.Resume(progstep.Response{}); err != nil {
				if errors.Is(err, progstep.ErrGeneratorFinished) {
					return c.finishGenerator(state, gs)
				}
				return progResult{}, err
			}

		case progstep.KindStep:
			gs.pendingKind = progstep.KindStep
			return progResult{Yielded: true}, nil

		case progstep.KindStepAll:
			gs.pendingKind = progstep.KindStepAll
			gs.stepAllFlag = true
			return progResult{Yielded: true}, nil

		case progstep.KindGenerateN:
			gs.pendingKind = progstep.KindGenerateN
			n := req.N
			// n<=1 normalizes to 1. A GENERATE_N of n=1 still takes the
			// non-streaming generateN path, not the STEP path.
			if n <= 1 {
				n = 1
			}
			return progResult{GenerateN: n}, nil

		default:
			return progResult{}, fmt.Errorf("runtime: unknown programmatic step yield kind %q", req.Kind)
		}
	}
}

func (c *Controller) finishGenerator(state *agent.AgentState, gs *genState) (progResult, error) {
	rt := gs.rt
	gs.rt = nil
	c.cfg.Generators.Delete(state.AgentID)

	if err := rt.Err(); err != nil {
		state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.TextContent{
			Text: fmt.Sprintf("Programmatic step failed: %s", err.Error()),
		}}})
		state.Output.ErrorMessage = err.Error()
	}
	return progResult{EndTurn: true}, nil
}

// execProgrammaticTool executes one generator-requested tool call
// synchronously through the Tool Executor. When req.IncludeToolCall is
// false, neither the assistant tool-call part nor the tool-result message
// is recorded in history. An unknown tool or schema-invalid input is
// rejected before either is ever recorded, regardless of IncludeToolCall:
// the generator still gets an error result back, but no orphaned
// tool-call/tool-result pair reaches state history.
func (c *Controller) execProgrammaticTool(ctx context.Context, state *agent.AgentState, req progstep.Request, decision *policy.Decision) agent.ToolResultContent {
	if ok, reason := c.cfg.Executor.Validate(tools.Ident(req.ToolName), req.ToolInput); !ok {
		return agent.ToolResultContent{
			ToolCallID: agent.NewToolCallID(),
			IsError:    true,
			Parts:      []agent.ResultPart{{Text: reason}},
		}
	}

	callID := agent.NewToolCallID()
	if req.IncludeToolCall {
		state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.ToolCallContent{
			ToolCallID: callID, ToolName: req.ToolName, Input: req.ToolInput,
		}}})
		_ = c.cfg.Sink.Send(ctx, stream.NewToolCall(state.RunID, state.AgentID, callID, req.ToolName, req.ToolInput))
	}

	results := c.cfg.Executor.ExecuteBatch(ctx, state.RunID, state.AgentID, []toolexec.Call{{
		ToolCallID: callID, ToolName: tools.Ident(req.ToolName), Input: req.ToolInput,
	}}, decision)

	if req.IncludeToolCall {
		state.AppendMessage(toolexec.ToMessage(results))
	}

	r := results[0]
	return agent.ToolResultContent{
		ToolCallID: r.ToolCallID,
		IsError:    r.IsError,
		Parts:      toResultParts(r),
	}
}

func toResultParts(r toolexec.Result) []agent.ResultPart {
	if r.IsError {
		return []agent.ResultPart{{Text: r.ErrMessage}}
	}
	out := make([]agent.ResultPart, 0, len(r.Parts))
	for _, p := range r.Parts {
		out = append(out, agent.ResultPart{Text: p.Text, JSON: p.JSON, IsJSON: p.IsJSON})
	}
	return out
}

// execStepText implements the STEP_TEXT yield: text is parsed through the
// stream parser
// exactly as if an LLM had produced it, and any recognized tool calls are
// executed and recorded.
func (c *Controller) execStepText(ctx context.Context, state *agent.AgentState, text string, decision *policy.Decision) {
	for _, ev := range streamparse.ParseAll(text) {
		switch ev.Kind {
		case streamparse.EventText:
			if ev.Text == "" {
				continue
			}
			state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.TextContent{Text: ev.Text}}})
			_ = c.cfg.Sink.Send(ctx, stream.NewText(state.RunID, state.AgentID, ev.Text))

		case streamparse.EventToolCall:
			if ok, reason := c.cfg.Executor.Validate(tools.Ident(ev.ToolName), ev.Input); !ok {
				state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{
					Text: fmt.Sprintf("Error during tool call: %s", reason),
				}}})
				continue
			}

			state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.ToolCallContent{
				ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Input: ev.Input,
			}}})
			_ = c.cfg.Sink.Send(ctx, stream.NewToolCall(state.RunID, state.AgentID, ev.ToolCallID, ev.ToolName, ev.Input))

			results := c.cfg.Executor.ExecuteBatch(ctx, state.RunID, state.AgentID, []toolexec.Call{{
				ToolCallID: ev.ToolCallID, ToolName: tools.Ident(ev.ToolName), Input: ev.Input,
			}}, decision)
			state.AppendMessage(toolexec.ToMessage(results))

		case streamparse.EventError:
			state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{
				Text: fmt.Sprintf("Error during tool call: malformed %s: %s", ev.ErrTag, ev.ErrMessage),
			}}})
		}
	}
}

// asGeneratorFunc adapts a Template's HandleSteps to the function shape
// progstep.Start requires, evaluating a SourceStepHandler in the sandbox
// and running a NativeStepHandler directly.
func asGeneratorFunc(tmpl *agent.Template) func(context.Context, agent.Yielder) error {
	if tmpl.HandleSteps == nil {
		return func(context.Context, agent.Yielder) error { return nil }
	}
	if native, ok := tmpl.HandleSteps.(agent.NativeStepHandler); ok {
		return func(ctx context.Context, y agent.Yielder) error { return native.Run(y) }
	}
	if src, isSource := tmpl.HandleSteps.Source(); isSource {
		return sandbox.Handler(src)
	}
	return func(context.Context, agent.Yielder) error { return nil }
}
