package remote

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/tools"
)

func TestTemplateDocument_RoundTrip(t *testing.T) {
	id, err := agent.ParseAgentID("acme/worker@1.2.3")
	require.NoError(t, err)

	schema, err := tools.CompileSchema("acme/worker#output", []byte(`{
		"type": "object",
		"properties": {"answer": {"type": "string"}},
		"required": ["answer"]
	}`))
	require.NoError(t, err)

	tmpl := &agent.Template{
		ID:                    id,
		DisplayName:           "Worker",
		Model:                 "claude-test",
		SystemPrompt:          "you are a worker",
		ToolNames:             []string{"end_turn"},
		SpawnableAgents:       []string{"acme/helper"},
		OutputSchema:          schema,
		OutputMode:            agent.OutputStructured,
		DefaultStepsRemaining: 10,
	}

	doc := fromTemplate(tmpl)
	require.Equal(t, "acme", doc.Publisher)
	require.Equal(t, "worker", doc.ID)
	require.Equal(t, "1.2.3", doc.Version)

	back, err := doc.toTemplate()
	require.NoError(t, err)
	require.Equal(t, tmpl.ID, back.ID)
	require.Equal(t, tmpl.DisplayName, back.DisplayName)
	require.Equal(t, tmpl.ToolNames, back.ToolNames)
	require.Equal(t, tmpl.SpawnableAgents, back.SpawnableAgents)
	require.Equal(t, tmpl.OutputMode, back.OutputMode)
	require.NotNil(t, back.OutputSchema)

	_, err = back.OutputSchema.Parse(map[string]any{"answer": "42"})
	require.NoError(t, err)
}

func TestTemplateDocument_RoundTripWithHandleSteps(t *testing.T) {
	id, err := agent.ParseAgentID("acme/planner")
	require.NoError(t, err)
	tmpl := &agent.Template{
		ID:          id,
		Model:       "claude-test",
		HandleSteps: agent.SourceStepHandler{Src: "yield.stepAll()"},
	}

	doc := fromTemplate(tmpl)
	require.Equal(t, "yield.stepAll()", doc.HandleStepsSource)

	back, err := doc.toTemplate()
	require.NoError(t, err)
	require.NotNil(t, back.HandleSteps)
	src, isSource := back.HandleSteps.Source()
	require.True(t, isSource)
	require.Equal(t, "yield.stepAll()", src)
}
