// Package policy codifies policy evaluation and enforcement for agent runs.
// Policy engines decide which tools remain available to an Agent Step on
// each turn, enforce resource caps, and react to planner/programmatic
// retry hints, without the loop controller or tool executor needing to
// know how those decisions are made.
package policy

import (
	"context"
	"time"

	"github.com/levelcode/agentkit/agent/tools"
)

// Engine decides which tools remain available to the LLM step on each turn.
// The loop controller invokes Decide before each agent step to compute
// the allowlist and update caps.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}

// Input groups the information available to a policy decision.
type Input struct {
	RunID   string
	AgentID string
	Labels  map[string]string

	// Tools lists every candidate tool the Template allows; Decide narrows
	// this down to the turn's allowlist.
	Tools []ToolMetadata

	// RetryHint carries guidance from the previous turn's failures, nil if
	// none.
	RetryHint *RetryHint

	RemainingCaps CapsState

	// Requested, when non-empty, is the caller-restricted subset of Tools
	// to consider. agent/runtime leaves it empty.
	Requested []tools.Ident
}

// Decision is the outcome of a policy evaluation for one turn.
type Decision struct {
	AllowedTools []tools.Ident
	Caps         CapsState
	// DisableTools forces the LLM step to produce a final response with no
	// further tool calls (circuit breaking / budget exhaustion).
	DisableTools bool
	Labels       map[string]string
	Metadata     map[string]any
}

// ToolMetadata describes one candidate tool for filtering purposes.
type ToolMetadata struct {
	ID          tools.Ident
	Name        string
	Description string
	Tags        []string
}

// CapsState tracks remaining execution budgets for a run.
type CapsState struct {
	MaxToolCalls       int
	RemainingToolCalls int

	MaxConsecutiveFailedToolCalls       int
	RemainingConsecutiveFailedToolCalls int

	ExpiresAt time.Time
}

// Expired reports whether the wall-clock deadline has passed.
func (c CapsState) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// RetryReason categorizes why a RetryHint was issued, naming the error
// taxonomy entries that a policy engine can act on.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates guidance after a tool or LLM-step failure so a
// policy engine can adjust the allowlist or caps for the next turn.
type RetryHint struct {
	Reason             RetryReason
	Tool               tools.Ident
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
