package spawn

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/progstep"
	"github.com/levelcode/agentkit/agent/runtime"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
)

// scriptedStreamer/scriptedClient mirror agent/runtime's own test doubles:
// a fixed sequence of chunks per call to Stream, then io.EOF.
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

type scriptedClient struct {
	turns       [][]model.Chunk
	streamCalls int
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
	return &model.Response{}, nil
}

func toolCallChunk(name, id string, input map[string]any) model.Chunk {
	payload, _ := json.Marshal(input)
	return model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: tools.Ident(name), ID: id, Payload: payload}}
}

func textChunk(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}}}
}

// recordingClient wraps a scriptedClient and captures every Request handed
// to Stream, so a test can inspect exactly what was sent to the model for
// a spawned child's first step.
type recordingClient struct {
	*scriptedClient
	mu       sync.Mutex
	requests []*model.Request
}

func (c *recordingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.scriptedClient.Stream(ctx, req)
}

func firstText(m *model.Message) string {
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok {
			return tp.Text
		}
	}
	return ""
}

// fakeTemplates is a TemplateLookup over a fixed map, standing in for
// agent/registry in these tests.
type fakeTemplates map[string]*agent.Template

func (f fakeTemplates) Lookup(ctx context.Context, id string) (*agent.Template, bool) {
	t, ok := f[id]
	return t, ok
}

func newTestSpawner(t *testing.T, client model.Client, templates fakeTemplates) (*Spawner, *agent.StateIndex) {
	t.Helper()
	reg := tools.NewRegistry()
	runtime.RegisterBuiltins(reg)
	rec := &stream.Recorder{}
	exec := toolexec.New(reg, hooks.NewBus(), rec)
	states := agent.NewStateIndex()
	ctrl := runtime.New(runtime.Config{
		Model:      client,
		Tools:      reg,
		Executor:   exec,
		Generators: progstep.NewRegistry(),
		Sink:       rec,
		States:     states,
	})
	return &Spawner{Templates: templates, States: states, Runtime: ctrl}, states
}

func TestSpawner_SpawnsChildAndAggregatesLastMessage(t *testing.T) {
	parentTmpl := &agent.Template{
		Model:           "test-model",
		ToolNames:       []string{"spawn_agents"},
		SpawnableAgents: []string{"worker"},
	}
	childTmpl := &agent.Template{
		Model:                 "test-model",
		ToolNames:             []string{string(runtime.EndTurnTool)},
		DefaultStepsRemaining: 5,
	}
	templates := fakeTemplates{"worker": childTmpl}

	client := &scriptedClient{turns: [][]model.Chunk{{
		textChunk("child result"),
		toolCallChunk(string(runtime.EndTurnTool), "tc-1", map[string]any{}),
	}}}
	sp, states := newTestSpawner(t, client, templates)

	parent := agent.NewAgentState("orchestrator", "", agent.NewRunID(), 10)
	states.Put(parent)

	results := sp.spawnAll(context.Background(), parentTmpl, parent, []spawnRequest{
		{AgentType: "worker", Prompt: "do the thing"},
	})

	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)
	require.Equal(t, "child result", results[0].Output)
	require.NotEmpty(t, results[0].AgentID)
	require.Len(t, parent.ChildRunIDs, 1)
	require.Equal(t, results[0].RunID, parent.ChildRunIDs[0])

	_, stillTracked := states.Get(results[0].AgentID)
	require.False(t, stillTracked, "a finished child must be deregistered from the shared state index")
}

func TestSpawner_RejectsUnlistedAgentType(t *testing.T) {
	parentTmpl := &agent.Template{Model: "test-model", ToolNames: []string{"spawn_agents"}}
	templates := fakeTemplates{"worker": {Model: "test-model"}}

	sp, states := newTestSpawner(t, &scriptedClient{}, templates)
	parent := agent.NewAgentState("orchestrator", "", agent.NewRunID(), 10)
	states.Put(parent)

	results := sp.spawnAll(context.Background(), parentTmpl, parent, []spawnRequest{
		{AgentType: "worker", Prompt: "do the thing"},
	})

	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Error)
	require.Empty(t, results[0].AgentID)
}

func TestSpawner_InheritsFilteredHistory(t *testing.T) {
	parentTmpl := &agent.Template{
		Model:           "test-model",
		ToolNames:       []string{"spawn_agents"},
		SpawnableAgents: []string{"worker"},
	}
	childTmpl := &agent.Template{
		Model:                 "test-model",
		ToolNames:             []string{string(runtime.EndTurnTool)},
		DefaultStepsRemaining: 5,
		IncludeMessageHistory: true,
	}
	templates := fakeTemplates{"worker": childTmpl}

	client := &recordingClient{scriptedClient: &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk(string(runtime.EndTurnTool), "tc-1", map[string]any{}),
	}}}}
	sp, states := newTestSpawner(t, client, templates)

	parent := agent.NewAgentState("orchestrator", "", agent.NewRunID(), 10)
	parent.AppendMessage(agent.Message{Role: agent.RoleSystem, Content: []agent.Content{agent.TextContent{Text: "you are the orchestrator"}}})
	parent.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: "earlier context"}}})
	states.Put(parent)

	var childAgentID string
	results := sp.spawnAll(context.Background(), parentTmpl, parent, []spawnRequest{
		{AgentType: "worker", Prompt: "continue"},
	})
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)
	childAgentID = results[0].AgentID
	require.NotEmpty(t, childAgentID)

	require.Len(t, client.requests, 1)
	childMessages := client.requests[0].Messages
	require.GreaterOrEqual(t, len(childMessages), 2)
	require.Equal(t, model.ConversationRoleSystem, childMessages[0].Role)
	require.Equal(t, "you are the orchestrator", firstText(childMessages[0]))
	require.Equal(t, "earlier context", firstText(childMessages[1]))
}

func TestSpawner_SiblingFailureDoesNotAbortOthers(t *testing.T) {
	parentTmpl := &agent.Template{
		Model:           "test-model",
		ToolNames:       []string{"spawn_agents"},
		SpawnableAgents: []string{"worker"},
	}
	childTmpl := &agent.Template{
		Model:                 "test-model",
		ToolNames:             []string{string(runtime.EndTurnTool)},
		DefaultStepsRemaining: 5,
	}
	templates := fakeTemplates{"worker": childTmpl}

	client := &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk(string(runtime.EndTurnTool), "tc-1", map[string]any{}),
	}}}
	sp, states := newTestSpawner(t, client, templates)

	parent := agent.NewAgentState("orchestrator", "", agent.NewRunID(), 10)
	states.Put(parent)

	results := sp.spawnAll(context.Background(), parentTmpl, parent, []spawnRequest{
		{AgentType: "worker", Prompt: "ok one"},
		{AgentType: "unregistered", Prompt: "bad one"},
	})

	require.Len(t, results, 2)
	require.Empty(t, results[0].Error)
	require.NotEmpty(t, results[1].Error)
}

// TestSpawner_InheritedSystemPromptSurvivesAChain covers a parent that
// itself inherited its system prompt from a grandparent spawn (so the
// parent template's own SystemPrompt field is empty, mutually exclusive
// with InheritParentSystemPrompt) spawning a further child that also
// inherits. The child's first message must be the resolved root prompt,
// byte-identical, not the parent template's empty SystemPrompt field.
func TestSpawner_InheritedSystemPromptSurvivesAChain(t *testing.T) {
	const rootSystemPrompt = "you are the root agent, be concise"

	parentTmpl := &agent.Template{
		Model:                     "test-model",
		ToolNames:                 []string{"spawn_agents"},
		SpawnableAgents:           []string{"worker"},
		InheritParentSystemPrompt: true,
	}
	childTmpl := &agent.Template{
		Model:                     "test-model",
		ToolNames:                 []string{string(runtime.EndTurnTool)},
		DefaultStepsRemaining:     5,
		InheritParentSystemPrompt: true,
	}
	templates := fakeTemplates{"worker": childTmpl}

	client := &recordingClient{scriptedClient: &scriptedClient{turns: [][]model.Chunk{{
		toolCallChunk(string(runtime.EndTurnTool), "tc-1", map[string]any{}),
	}}}}

	reg := tools.NewRegistry()
	runtime.RegisterBuiltins(reg)
	rec := &stream.Recorder{}
	exec := toolexec.New(reg, hooks.NewBus(), rec)
	states := agent.NewStateIndex()
	ctrl := runtime.New(runtime.Config{
		Model:      client,
		Tools:      reg,
		Executor:   exec,
		Generators: progstep.NewRegistry(),
		Sink:       rec,
		States:     states,
	})
	sp := &Spawner{Templates: templates, States: states, Runtime: ctrl}

	// parent never declares its own SystemPrompt (it inherited one from a
	// grandparent spawn, not modeled here); its resolved value only lives
	// in its own seeded history, the way Loop's seedTurn leaves it.
	parent := agent.NewAgentState("manager", "", agent.NewRunID(), 10)
	parent.AppendMessage(agent.Message{Role: agent.RoleSystem, Content: []agent.Content{agent.TextContent{Text: rootSystemPrompt}}})
	states.Put(parent)

	results := sp.spawnAll(context.Background(), parentTmpl, parent, []spawnRequest{
		{AgentType: "worker", Prompt: "continue the chain"},
	})
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)

	require.Len(t, client.requests, 1)
	childMessages := client.requests[0].Messages
	require.NotEmpty(t, childMessages)
	require.Equal(t, model.ConversationRoleSystem, childMessages[0].Role)
	require.Equal(t, rootSystemPrompt, firstText(childMessages[0]))

	var sawStart, sawFinish bool
	for _, ev := range rec.Snapshot() {
		switch ev.Type {
		case stream.EventSubagentStart:
			sawStart = true
			require.Equal(t, parent.AgentID, ev.ParentAgentID)
			require.Equal(t, results[0].AgentID, ev.AgentID)
			require.Equal(t, results[0].RunID, ev.RunID)
		case stream.EventSubagentFinish:
			sawFinish = true
			require.Equal(t, parent.AgentID, ev.ParentAgentID)
			require.Equal(t, results[0].AgentID, ev.AgentID)
		}
	}
	require.True(t, sawStart, "subagent_start must bracket the child's run")
	require.True(t, sawFinish, "subagent_finish must bracket the child's run")
}
