package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/policy/basic"
	"github.com/levelcode/agentkit/agent/progstep"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
)

// scriptedStreamer replays a fixed sequence of chunks, then io.EOF.
type scriptedStreamer struct {
	chunks []model.Chunk
	i      int
}

func (s *scriptedStreamer) Recv() (model.Chunk, error) {
	if s.i >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}
func (s *scriptedStreamer) Close() error             { return nil }
func (s *scriptedStreamer) Metadata() map[string]any { return nil }

// scriptedClient returns one scripted Streamer per Stream call, drawn in
// order from turns; Complete is used only by the GENERATE_N path.
type scriptedClient struct {
	turns        [][]model.Chunk
	completeText string
	streamCalls  int
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if c.streamCalls >= len(c.turns) {
		return &scriptedStreamer{}, nil
	}
	s := &scriptedStreamer{chunks: c.turns[c.streamCalls]}
	c.streamCalls++
	return s, nil
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: []model.Message{{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: c.completeText}},
	}}}, nil
}

func textChunk(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}}}
}

func toolCallChunk(name, id string, input map[string]any) model.Chunk {
	payload, _ := json.Marshal(input)
	return model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: tools.Ident(name), ID: id, Payload: payload}}
}

func newTestController(client model.Client, reg *tools.Registry) (*Controller, *stream.Recorder) {
	rec := &stream.Recorder{}
	exec := toolexec.New(reg, hooks.NewBus(), rec)
	c := New(Config{
		Model:      client,
		Tools:      reg,
		Executor:   exec,
		Generators: progstep.NewRegistry(),
	})
	return c, rec
}

func TestLoop_SimpleEndTurn(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)

	client := &scriptedClient{turns: [][]model.Chunk{{
		textChunk("hello there"),
		toolCallChunk(string(EndTurnTool), "tc-1", map[string]any{}),
	}}}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{Model: "test-model", ToolNames: []string{string(EndTurnTool)}}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.False(t, out.IsError())
	require.Equal(t, agent.StatusCompleted, state.Status)

	hist := state.History()
	var sawText, sawEndTurn bool
	for _, m := range hist {
		if m.Role == agent.RoleAssistant {
			for _, c := range m.Content {
				if tc, ok := c.(agent.TextContent); ok && tc.Text == "hello there" {
					sawText = true
				}
				if tc, ok := c.(agent.ToolCallContent); ok && tc.ToolName == string(EndTurnTool) {
					sawEndTurn = true
				}
			}
		}
	}
	require.True(t, sawText, "expected assistant text in history")
	require.True(t, sawEndTurn, "expected end_turn tool call in history")
}

func TestLoop_NoToolActivityEndsTurn(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)

	client := &scriptedClient{turns: [][]model.Chunk{{textChunk("just text, no tools")}}}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{Model: "test-model"}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.Equal(t, agent.StatusCompleted, state.Status)
	require.Equal(t, 1, state.StepNumber, "a turn with no tool calls should end after its first step")
	_ = out
}

func TestLoop_OutputSchemaCorrectiveRetry(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)

	schema, err := tools.CompileSchema("out", json.RawMessage(`{
		"type": "object",
		"properties": {"answer": {"type": "string"}},
		"required": ["answer"]
	}`))
	require.NoError(t, err)

	client := &scriptedClient{turns: [][]model.Chunk{
		{toolCallChunk(string(EndTurnTool), "tc-1", map[string]any{})},
		{
			toolCallChunk(string(SetOutputTool), "tc-2", map[string]any{"answer": "42"}),
			toolCallChunk(string(EndTurnTool), "tc-3", map[string]any{}),
		},
	}}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{
		Model:        "test-model",
		ToolNames:    []string{string(EndTurnTool), string(SetOutputTool)},
		OutputSchema: schema,
	}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.Equal(t, agent.StatusCompleted, state.Status)
	require.True(t, out.IsSet())
	require.Equal(t, map[string]any{"answer": "42"}, out.Structured)
	require.Equal(t, 2, client.streamCalls, "a missing set_output should force a second LLM step")
}

func TestLoop_InvalidToolInputRejectedBeforeRecording(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)
	reg.Register(&tools.Spec{
		ID:          "strict_tool",
		Description: "requires a name field",
		InputSchema: mustSchema(t, `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
			return tools.Text("ok"), nil
		}),
	})

	client := &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk("strict_tool", "tc-1", map[string]any{}), // missing required "name"
		toolCallChunk(string(EndTurnTool), "tc-2", map[string]any{}),
	}}}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{Model: "test-model", ToolNames: []string{"strict_tool", string(EndTurnTool)}}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	_, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)

	for _, m := range state.History() {
		for _, ct := range m.Content {
			if tc, ok := ct.(agent.ToolCallContent); ok {
				require.NotEqual(t, "strict_tool", tc.ToolName, "an invalid call must never be recorded as a tool-call part")
			}
		}
	}
}

func TestLoop_CancelledBeforeStart(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)
	client := &scriptedClient{}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{Model: "test-model"}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := c.Loop(ctx, tmpl, state, "hi", "")
	require.NoError(t, err)
	require.Equal(t, agent.StatusCancelled, state.Status)
	require.True(t, out.IsError())
}

func TestLoop_BudgetExhaustion(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)

	// Every step comes back with a tool call that is never end_turn, so the
	// loop keeps consuming budget until StepsRemaining hits zero.
	turns := make([][]model.Chunk, 3)
	for i := range turns {
		turns[i] = []model.Chunk{toolCallChunk("noop", "tc", map[string]any{})}
	}
	reg.Register(&tools.Spec{
		ID: "noop",
		Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
			return tools.Text("noop"), nil
		}),
	})
	client := &scriptedClient{turns: turns}
	c, _ := newTestController(client, reg)

	tmpl := &agent.Template{Model: "test-model", ToolNames: []string{"noop"}}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 3)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.Equal(t, agent.StatusFailed, state.Status)
	require.True(t, out.IsError())
}

func mustSchema(t *testing.T, doc string) *tools.Schema {
	t.Helper()
	s, err := tools.CompileSchema("test", json.RawMessage(doc))
	require.NoError(t, err)
	return s
}

func TestLoop_ProgrammaticStepDrivesToolThenEndsTurn(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)
	reg.Register(&tools.Spec{
		ID: "lookup",
		Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
			return tools.JSON(map[string]any{"found": true}), nil
		}),
	})

	client := &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk(string(EndTurnTool), "tc-1", map[string]any{}),
	}}}
	c, _ := newTestController(client, reg)

	var sawResult agent.ToolResultContent
	tmpl := &agent.Template{
		Model:     "test-model",
		ToolNames: []string{"lookup", string(EndTurnTool)},
		HandleSteps: agent.NativeStepHandler{Run: func(y agent.Yielder) error {
			res, err := y.Tool("lookup", map[string]any{"q": "x"}, true)
			if err != nil {
				return err
			}
			sawResult = res
			endedTurn, err := y.Step()
			if err != nil {
				return err
			}
			if !endedTurn {
				return errors.New("expected the LLM step to end the turn")
			}
			return nil
		}},
	}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.Equal(t, agent.StatusCompleted, state.Status)
	require.False(t, sawResult.IsError)
	require.Equal(t, 1, client.streamCalls)
	_ = out
}

func TestLoop_PolicyEngineBlocksTool(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterBuiltins(reg)

	var handlerCalled bool
	reg.Register(&tools.Spec{
		ID: "side_effect",
		Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
			handlerCalled = true
			return tools.Text("done"), nil
		}),
	})

	client := &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk("side_effect", "tc-1", map[string]any{}),
		toolCallChunk(string(EndTurnTool), "tc-2", map[string]any{}),
	}}}

	rec := &stream.Recorder{}
	exec := toolexec.New(reg, hooks.NewBus(), rec)
	eng, err := basic.New(basic.Options{BlockTools: []string{"side_effect"}})
	require.NoError(t, err)
	c := New(Config{
		Model:      client,
		Tools:      reg,
		Executor:   exec,
		Generators: progstep.NewRegistry(),
		Policy:     eng,
	})

	tmpl := &agent.Template{Model: "test-model", ToolNames: []string{"side_effect", string(EndTurnTool)}}
	state := agent.NewAgentState("t1", "", agent.NewRunID(), 10)

	out, err := c.Loop(context.Background(), tmpl, state, "hi", "")
	require.NoError(t, err)
	require.False(t, handlerCalled, "a policy-blocked tool handler must never run")

	var sawError bool
	for _, m := range state.History() {
		for _, ct := range m.Content {
			if tr, ok := ct.(agent.ToolResultContent); ok && tr.IsError {
				sawError = true
			}
		}
	}
	require.True(t, sawError, "the blocked call must still record an error tool result")
	_ = out
}
