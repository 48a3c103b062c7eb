package runtime

import (
	"context"
	"time"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/run"
)

const cancelledMessage = "Run cancelled by user"
const budgetExceededMessage = "Step budget exceeded"

// Loop runs tmpl's turn-by-turn steps against state until the agent ends
// its turn, the step budget is exhausted, or ctx is cancelled, then
// finalizes state's terminal status.
//
// prompt is the new user message starting this turn, or "" to resume an
// already-seeded run (e.g. a STEP_ALL re-entry after an external event).
// parentSystemPrompt is only consulted when tmpl declares
// InheritParentSystemPrompt.
func (c *Controller) Loop(ctx context.Context, tmpl *agent.Template, state *agent.AgentState, prompt, parentSystemPrompt string) (*agent.Output, error) {
	historyLenAtEntry := len(state.History())
	defer c.persistRunStatus(ctx, tmpl, state)
	defer c.persistNewHistory(ctx, state, historyLenAtEntry)
	if c.cfg.ProposedContent != nil {
		defer c.cfg.ProposedContent.Clear(state.RunID)
	}

	if err := ctx.Err(); err != nil {
		state.Finalize(agent.StatusCancelled, cancelledMessage)
		return &agent.Output{ErrorMessage: cancelledMessage}, nil
	}

	if c.cfg.States != nil {
		c.cfg.States.Put(state)
		defer c.cfg.States.Delete(state.AgentID)
	}

	c.publish(ctx, hooks.RunStarted, state.RunID, state.AgentID, nil)
	c.seedTurn(tmpl, state, prompt, parentSystemPrompt)

	gs := &genState{}
	if tmpl.HandleSteps != nil && c.cfg.Generators != nil {
		defer c.cfg.Generators.Delete(state.AgentID)
	}
	lastStepEndedTurn := false
	endedTurn := false
	var pendingN []string
	caps := policy.CapsState{}
	var retryHint *policy.RetryHint

	for state.StepsRemaining > 0 {
		if err := ctx.Err(); err != nil {
			state.Finalize(agent.StatusCancelled, cancelledMessage)
			return &agent.Output{ErrorMessage: cancelledMessage}, nil
		}

		decision, err := c.decide(ctx, tmpl, state, caps, retryHint)
		if err != nil {
			state.Finalize(agent.StatusFailed, err.Error())
			return &state.Output, err
		}
		if decision != nil {
			caps = decision.Caps
		}
		toolNames := allowedToolNames(tmpl, decision)

		if tmpl.HandleSteps != nil {
			r, err := c.runProgrammaticStep(ctx, tmpl, state, gs, lastStepEndedTurn, pendingN, decision)
			pendingN = nil
			if err != nil {
				state.Finalize(agent.StatusFailed, err.Error())
				return &state.Output, err
			}
			if r.GenerateN > 0 {
				texts, err := c.generateN(ctx, tmpl, state, toolNames, r.GenerateN)
				if err != nil {
					state.Finalize(agent.StatusFailed, err.Error())
					return &state.Output, err
				}
				pendingN = texts
				continue
			}
			if r.EndTurn {
				break
			}
			if !r.Yielded {
				continue
			}
		}

		s, err := c.llmStep(ctx, tmpl, state, toolNames, decision)
		if err != nil {
			state.Finalize(agent.StatusFailed, err.Error())
			return &state.Output, err
		}
		lastStepEndedTurn = s.ShouldEndTurn
		retryHint = retryHintFromStep(s)

		if s.ShouldEndTurn && !s.HadToolCallError {
			if tmpl.OutputSchema != nil && !outputSatisfies(tmpl, state) {
				state.AppendMessage(agent.Message{
					Role: agent.RoleUser,
					TTL:  agent.TTLNone,
					Content: []agent.Content{agent.TextContent{
						Text: "You must call set_output with a value matching the declared output schema before ending your turn.",
					}},
				})
				state.AdvanceStep()
				continue
			}
			state.AdvanceStep()
			endedTurn = true
			break
		}

		if !state.AdvanceStep() {
			break
		}
	}

	if !endedTurn && state.StepsRemaining <= 0 && state.Status == agent.StatusRunning {
		state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: budgetExceededMessage}}})
		state.Finalize(agent.StatusFailed, budgetExceededMessage)
		c.publish(ctx, hooks.RunCompleted, state.RunID, state.AgentID, map[string]any{"status": string(agent.StatusFailed)})
		return &state.Output, nil
	}

	if state.Status == agent.StatusRunning {
		state.Finalize(agent.StatusCompleted, "")
	}

	c.publish(ctx, hooks.RunCompleted, state.RunID, state.AgentID, map[string]any{"status": string(state.Status)})
	return &state.Output, nil
}

// seedTurn prepares state's history for a new turn: the system message is
// seeded once per run; any previous turn's ephemeral
// instructions/step prompts are dropped; the new user prompt (if any) is
// appended as a persistent message; then the template's instructionsPrompt
// and stepPrompt are appended as TTLUserPrompt-tagged scaffolding visible
// to every step of this turn.
func (c *Controller) seedTurn(tmpl *agent.Template, state *agent.AgentState, prompt, parentSystemPrompt string) {
	if !state.HasSystemMessage() {
		sys := tmpl.SystemPrompt
		if tmpl.InheritParentSystemPrompt {
			sys = parentSystemPrompt
		}
		if sys != "" {
			state.AppendMessage(agent.Message{Role: agent.RoleSystem, Content: []agent.Content{agent.TextContent{Text: sys}}})
		}
	}

	state.DropTTL(agent.TTLUserPrompt)

	if prompt != "" {
		state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: []agent.Content{agent.TextContent{Text: prompt}}})
	}
	if tmpl.InstructionsPrompt != "" {
		state.AppendMessage(agent.Message{Role: agent.RoleUser, TTL: agent.TTLUserPrompt, Content: []agent.Content{agent.TextContent{Text: tmpl.InstructionsPrompt}}})
	}
	if tmpl.StepPrompt != "" {
		state.AppendMessage(agent.Message{Role: agent.RoleUser, TTL: agent.TTLUserPrompt, Content: []agent.Content{agent.TextContent{Text: tmpl.StepPrompt}}})
	}
}

// persistNewHistory appends the messages added to state's history since
// historyLenAtEntry to the configured MemoryStore, if any. Best-effort: a
// storage failure here never fails the run, since the in-process
// AgentState is already authoritative for the caller.
func (c *Controller) persistNewHistory(ctx context.Context, state *agent.AgentState, historyLenAtEntry int) {
	if c.cfg.MemoryStore == nil {
		return
	}
	history := state.History()
	if len(history) <= historyLenAtEntry {
		return
	}
	_ = c.cfg.MemoryStore.AppendMessages(ctx, state.AgentID, state.RunID, history[historyLenAtEntry:]...)
}

// persistRunStatus upserts state's current lifecycle status to the
// configured RunStore, if any. Best-effort, same rationale as
// persistNewHistory.
func (c *Controller) persistRunStatus(ctx context.Context, tmpl *agent.Template, state *agent.AgentState) {
	if c.cfg.RunStore == nil {
		return
	}
	_ = c.cfg.RunStore.Upsert(ctx, run.Record{
		RunID:        state.RunID,
		AgentID:      state.AgentID,
		AgentType:    tmpl.ID.FullID(),
		ParentRunID:  state.ParentID,
		Status:       runStatus(state.Status),
		UpdatedAt:    time.Now(),
		ErrorMessage: state.Output.ErrorMessage,
	})
}

func runStatus(s agent.TerminalStatus) run.Status {
	switch s {
	case agent.StatusCompleted:
		return run.StatusCompleted
	case agent.StatusFailed:
		return run.StatusFailed
	case agent.StatusCancelled:
		return run.StatusCanceled
	default:
		return run.StatusRunning
	}
}

// outputSatisfies reports whether state.Output already holds a value that
// validates against tmpl's OutputSchema.
func outputSatisfies(tmpl *agent.Template, state *agent.AgentState) bool {
	if !state.Output.IsSet() {
		return false
	}
	_, err := tmpl.OutputSchema.Parse(state.Output.Structured)
	return err == nil
}
