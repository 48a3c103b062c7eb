package agent

import "sync"

// TerminalStatus is the final disposition of a run, a closed enum in
// place of a dynamically typed status field.
type TerminalStatus string

const (
	StatusRunning   TerminalStatus = ""
	StatusCompleted TerminalStatus = "completed"
	StatusFailed    TerminalStatus = "failed"
	StatusCancelled TerminalStatus = "cancelled"
)

// Output is the agent's opaque result object. ErrorMessage or Structured
// is meaningful depending on how the run ended; ErrorMessage set means the run finished in an error state whether
// or not that error is also terminal (a handler-failure result body reuses
// this shape).
type Output struct {
	// ErrorMessage, when non-empty, is the `{type:"error", message:...}`
	// shape used for budget exhaustion, cancellation, and programmatic step
	// exceptions.
	ErrorMessage string
	// Structured is the validated object set by a set_output-style tool
	// call, present when the template declares an OutputSchema.
	Structured any
	// set records whether Structured has been assigned at all,
	// distinguishing "undefined" from an explicit nil/zero value.
	set bool
}

// IsError reports whether the output represents a terminal error.
func (o Output) IsError() bool { return o.ErrorMessage != "" }

// IsSet reports whether Structured has been assigned.
func (o Output) IsSet() bool { return o.set }

// SetStructured assigns the structured output value.
func (o *Output) SetStructured(v any) {
	o.Structured = v
	o.set = true
}

// AgentState is the mutable per-run state of one agent instance.
// All mutation happens under a single-agent serialization rule: at
// most one in-flight tool call and one in-flight LLM turn per AgentState,
// enforced by the owning Loop Controller rather than by locking within this
// type. The mutex here only guards fields that diagnostic/observability
// code may read concurrently with the owning run (e.g. a status page).
type AgentState struct {
	mu sync.Mutex

	AgentID   string
	AgentType string // Template id this instance was created from
	ParentID  string // empty for a top-level run
	RunID     string

	MessageHistory []Message

	Output         Output
	StepsRemaining int
	StepNumber     int

	creditsUsed       int64
	directCreditsUsed int64

	ChildRunIDs []string

	// AgentContext is a free-form mutable blob visible to programmatic
	// steps. The runtime never interprets its contents.
	AgentContext map[string]any

	Status TerminalStatus
}

// NewAgentState constructs a fresh instance for a top-level run or a spawn.
func NewAgentState(agentType, parentID, runID string, stepsRemaining int) *AgentState {
	return &AgentState{
		AgentID:        NewAgentStateID(),
		AgentType:      agentType,
		ParentID:       parentID,
		RunID:          runID,
		StepsRemaining: stepsRemaining,
		AgentContext:   make(map[string]any),
	}
}

// AppendMessage appends msg to the history, preserving the chronological
// invariant that history order matches acceptance order.
func (s *AgentState) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, msg)
}

// History returns a snapshot copy of the message history.
func (s *AgentState) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.MessageHistory))
	copy(out, s.MessageHistory)
	return out
}

// AddCredits adds delta (must be >= 0) to creditsUsed, preserving
// monotonicity.
func (s *AgentState) AddCredits(delta int64) {
	if delta < 0 {
		panic("agent: negative credit delta")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditsUsed += delta
}

// AddDirectCredits adds delta (must be >= 0) to directCreditsUsed.
func (s *AgentState) AddDirectCredits(delta int64) {
	if delta < 0 {
		panic("agent: negative direct credit delta")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directCreditsUsed += delta
}

// CreditsUsed returns the current monotonic credits counter.
func (s *AgentState) CreditsUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditsUsed
}

// DirectCreditsUsed returns the current monotonic direct-credits counter.
func (s *AgentState) DirectCreditsUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directCreditsUsed
}

// AddChildRunID append-only records a spawned child's run id.
func (s *AgentState) AddChildRunID(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChildRunIDs = append(s.ChildRunIDs, runID)
}

// AdvanceStep decrements StepsRemaining and increments StepNumber,
// preserving monotonicity of StepNumber. Returns false if the budget was
// already exhausted.
func (s *AgentState) AdvanceStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StepsRemaining <= 0 {
		return false
	}
	s.StepsRemaining--
	s.StepNumber++
	return true
}

// Finalize sets the terminal status and, if msg is non-empty, the error
// output. Finalize is idempotent: once a terminal status is set it is not
// overwritten.
func (s *AgentState) Finalize(status TerminalStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusRunning {
		return
	}
	s.Status = status
	if errMsg != "" {
		s.Output.ErrorMessage = errMsg
	}
}

// DropTTL removes every message tagged with ttl from history, used at the
// start of a new turn to clear the previous turn's ephemeral
// instructions/step prompts before seeding the new ones.
func (s *AgentState) DropTTL(ttl TimeToLive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.MessageHistory[:0:0]
	for _, m := range s.MessageHistory {
		if m.TTL == ttl {
			continue
		}
		kept = append(kept, m)
	}
	s.MessageHistory = kept
}

// HasSystemMessage reports whether history already contains a system-role
// message, so the Loop Controller seeds it at most once per run.
func (s *AgentState) HasSystemMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.MessageHistory {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}

// FilteredHistory returns the message history with TTLUserPrompt-tagged
// messages removed, and — when includeSystem is false — system messages
// removed as well. This implements the child-history construction rule
// used when spawning a subagent (see DESIGN.md for the inheritance
// decision): messages without a userPrompt TTL (including system messages) are
// copied unless the caller explicitly excludes system messages.
func (s *AgentState) FilteredHistory(includeSystem bool) []Message {
	hist := s.History()
	out := make([]Message, 0, len(hist))
	for _, m := range hist {
		if m.TTL == TTLUserPrompt {
			continue
		}
		if !includeSystem && m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
