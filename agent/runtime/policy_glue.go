package runtime

import (
	"context"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/tools"
)

// decide asks the configured policy.Engine for this turn's allowlist and
// caps. A nil Policy (the default) means every tool tmpl declares stays
// available and no caps are enforced, so callers treat a nil *policy.Decision
// the same as an always-allow decision.
func (c *Controller) decide(ctx context.Context, tmpl *agent.Template, state *agent.AgentState, caps policy.CapsState, hint *policy.RetryHint) (*policy.Decision, error) {
	if c.cfg.Policy == nil {
		return nil, nil
	}
	input := policy.Input{
		RunID:         state.RunID,
		AgentID:       state.AgentID,
		Tools:         toolMetadataFor(c.cfg.Tools, tmpl.ToolNames),
		RetryHint:     hint,
		RemainingCaps: caps,
	}
	decision, err := c.cfg.Policy.Decide(ctx, input)
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

func toolMetadataFor(reg *tools.Registry, names []string) []policy.ToolMetadata {
	out := make([]policy.ToolMetadata, 0, len(names))
	for _, name := range names {
		spec, ok := reg.Lookup(tools.Ident(name))
		if !ok {
			continue
		}
		out = append(out, policy.ToolMetadata{ID: spec.ID, Name: string(spec.ID), Description: spec.Description, Tags: spec.Tags})
	}
	return out
}

// allowedToolNames resolves the tool names exposed to the model this step:
// tmpl's full allowlist, narrowed to decision.AllowedTools when the policy
// engine named a non-empty subset.
func allowedToolNames(tmpl *agent.Template, decision *policy.Decision) []string {
	if decision == nil || len(decision.AllowedTools) == 0 {
		return tmpl.ToolNames
	}
	out := make([]string, 0, len(decision.AllowedTools))
	for _, id := range decision.AllowedTools {
		out = append(out, string(id))
	}
	return out
}

// retryHintFromStep derives next turn's policy.RetryHint from this step's
// outcome, nil when the step had no tool-call error to react to.
func retryHintFromStep(s stepResult) *policy.RetryHint {
	if !s.HadToolCallError {
		return nil
	}
	return &policy.RetryHint{Reason: policy.RetryReasonInvalidArguments}
}
