package bundle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
)

func TestParse_MinimalTemplate(t *testing.T) {
	doc := []byte(`
id: acme/coder
displayName: Coder
model: claude-test
systemPrompt: "You are a coding agent."
toolNames: [read_file, write_file, end_turn]
spawnableAgents: [acme/reviewer]
outputMode: last_message
defaultStepsRemaining: 20
`)
	tmpl, err := Parse(doc)
	require.NoError(t, err)
	require.Equal(t, "acme/coder", tmpl.ID.FullID())
	require.Equal(t, "Coder", tmpl.DisplayName)
	require.Equal(t, []string{"read_file", "write_file", "end_turn"}, tmpl.ToolNames)
	require.Equal(t, agent.OutputLastMessage, tmpl.OutputMode)
	require.Equal(t, 20, tmpl.DefaultStepsRemaining)
}

func TestParse_WithSchemasAndHandleSteps(t *testing.T) {
	doc := []byte(`
id: acme/planner
model: claude-test
outputMode: structured_output
inputSchema:
  type: object
  properties:
    goal:
      type: string
  required: [goal]
outputSchema:
  type: object
  properties:
    plan:
      type: string
  required: [plan]
handleStepsSource: |
  yield.step()
`)
	tmpl, err := Parse(doc)
	require.NoError(t, err)
	require.NotNil(t, tmpl.InputSchema)
	require.NotNil(t, tmpl.OutputSchema)

	_, err = tmpl.InputSchema.Parse(map[string]any{"goal": "ship it"})
	require.NoError(t, err)
	_, err = tmpl.InputSchema.Parse(map[string]any{})
	require.Error(t, err, "missing required field must fail validation")

	require.NotNil(t, tmpl.HandleSteps)
	src, isSource := tmpl.HandleSteps.Source()
	require.True(t, isSource)
	require.Contains(t, src, "yield.step()")
}

func TestParse_InvalidIDRejected(t *testing.T) {
	doc := []byte(`
id: "Not Valid"
model: claude-test
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParse_InheritParentSystemPromptConflictsWithSystemPrompt(t *testing.T) {
	doc := []byte(`
id: acme/child
model: claude-test
systemPrompt: "explicit prompt"
inheritParentSystemPrompt: true
`)
	_, err := Parse(doc)
	require.Error(t, err, "Template.Validate must reject the mutually exclusive combination")
}
