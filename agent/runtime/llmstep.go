package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/streamparse"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
)

// stepResult is the outcome of one agent-step LLM turn.
type stepResult struct {
	ShouldEndTurn    bool
	HadToolCallError bool
}

// llmStep runs one streaming LLM turn for the agent: it drives the
// model, parses its output through the stream parser, and dispatches any
// recognized tool calls. toolNames is the turn's resolved allowlist
// (template tools narrowed by a policy.Decision, if any).
func (c *Controller) llmStep(ctx context.Context, tmpl *agent.Template, state *agent.AgentState, toolNames []string, decision *policy.Decision) (stepResult, error) {
	messages := toModelMessages(state.History())
	defs := toolDefinitions(c.cfg.Tools, toolNames)

	req := &model.Request{
		RunID:    state.RunID,
		Model:    tmpl.Model,
		Messages: messages,
		Tools:    defs,
		Stream:   true,
	}

	streamer, err := c.cfg.Model.Stream(ctx, req)
	if err != nil {
		return stepResult{}, fmt.Errorf("runtime: llm stream request failed: %w", err)
	}
	defer streamer.Close()

	d := &stepDriver{ctrl: c, tmpl: tmpl, state: state, decision: decision}
	parser := streamparse.New()
	var events []streamparse.Event
	var usage model.TokenUsage

	for {
		if err := ctx.Err(); err != nil {
			return stepResult{}, err
		}
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stepResult{}, fmt.Errorf("runtime: llm stream: %w", err)
		}

		events = events[:0]
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message != nil {
				for _, p := range chunk.Message.Parts {
					if tp, ok := p.(model.TextPart); ok {
						events = parser.Feed(streamparse.Chunk{Kind: streamparse.ChunkText, Text: tp.Text}, events)
					}
				}
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				input, decErr := decodeToolPayload(chunk.ToolCall.Payload)
				if decErr != nil {
					return stepResult{}, fmt.Errorf("runtime: decode tool call payload: %w", decErr)
				}
				events = parser.Feed(streamparse.Chunk{
					Kind:       streamparse.ChunkToolCall,
					ToolName:   string(chunk.ToolCall.Name),
					ToolCallID: chunk.ToolCall.ID,
					Input:      input,
				}, events)
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage = *chunk.UsageDelta
			}
		}
		if err := d.handle(ctx, events); err != nil {
			return stepResult{}, err
		}
	}
	if meta := streamer.Metadata(); meta != nil {
		if u, ok := meta["usage"].(model.TokenUsage); ok {
			usage = u
		}
	}
	state.AddCredits(int64(usage.TotalTokens))

	var tail []streamparse.Event
	tail = parser.Finish(tail)
	if err := d.handle(ctx, tail); err != nil {
		return stepResult{}, err
	}

	if !d.anyToolActivity {
		d.result.ShouldEndTurn = true
	}
	return d.result, nil
}

// stepDriver processes one step's streamparse.Events in arrival order,
// dispatching each recognized tool call through the Tool Executor
// synchronously before the next event is handled — the "maintain a single
// in-flight tool promise and await it before dispatching the next tool
// call" discipline falls directly out of handling events one at a time
// rather than buffering them.
type stepDriver struct {
	ctrl     *Controller
	tmpl     *agent.Template
	state    *agent.AgentState
	decision *policy.Decision

	result          stepResult
	anyToolActivity bool
}

func (d *stepDriver) handle(ctx context.Context, events []streamparse.Event) error {
	c, tmpl, state := d.ctrl, d.tmpl, d.state
	for _, ev := range events {
		switch ev.Kind {
		case streamparse.EventText:
			if ev.Text == "" {
				continue
			}
			state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.TextContent{Text: ev.Text}}})
			_ = c.cfg.Sink.Send(ctx, stream.NewText(state.RunID, state.AgentID, ev.Text))

		case streamparse.EventError:
			state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{
				Text: fmt.Sprintf("Error during tool call: malformed %s: %s", ev.ErrTag, ev.ErrMessage),
			}}})

		case streamparse.EventToolCall:
			d.anyToolActivity = true
			if err := ctx.Err(); err != nil {
				return err
			}

			if ok, reason := c.cfg.Executor.Validate(tools.Ident(ev.ToolName), ev.Input); !ok {
				state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{
					Text: fmt.Sprintf("Error during tool call: %s", reason),
				}}})
				d.result.HadToolCallError = true
				continue
			}

			state.AppendMessage(agent.Message{Role: agent.RoleAssistant, Content: []agent.Content{agent.ToolCallContent{
				ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Input: ev.Input,
			}}})
			_ = c.cfg.Sink.Send(ctx, stream.NewToolCall(state.RunID, state.AgentID, ev.ToolCallID, ev.ToolName, ev.Input))

			results := c.cfg.Executor.ExecuteBatch(ctx, state.RunID, state.AgentID, []toolexec.Call{{
				ToolCallID: ev.ToolCallID, ToolName: tools.Ident(ev.ToolName), Input: ev.Input,
			}}, d.decision)
			state.AppendMessage(toolexec.ToMessage(results))

			if len(results) == 1 && results[0].IsError {
				d.result.HadToolCallError = true
			}
			if ev.ToolName == string(EndTurnTool) {
				d.result.ShouldEndTurn = true
			}
			if ev.ToolName == string(SetOutputTool) {
				c.applySetOutput(tmpl, state, ev.Input)
			}
		}
	}
	return nil
}

func (c *Controller) applySetOutput(tmpl *agent.Template, state *agent.AgentState, input map[string]any) {
	var value any = input
	if v, ok := input["value"]; ok && len(input) == 1 {
		value = v
	}
	if tmpl.OutputSchema != nil {
		if _, err := tmpl.OutputSchema.Parse(value); err != nil {
			return
		}
	}
	state.Output.SetStructured(value)
}

func decodeToolPayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// generateN runs n parallel non-streaming completions, returned as plain
// text responses for a GENERATE_N yield from a programmatic step.
func (c *Controller) generateN(ctx context.Context, tmpl *agent.Template, state *agent.AgentState, toolNames []string, n int) ([]string, error) {
	messages := toModelMessages(state.History())
	defs := toolDefinitions(c.cfg.Tools, toolNames)

	out := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.cfg.Model.Complete(ctx, &model.Request{
				RunID: state.RunID, Model: tmpl.Model, Messages: messages, Tools: defs,
			})
			if err != nil {
				errs[i] = err
				return
			}
			out[i] = textOf(resp)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("runtime: generateN: %w", err)
		}
	}
	return out, nil
}

func textOf(resp *model.Response) string {
	var out string
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out += tp.Text
			}
		}
	}
	return out
}
