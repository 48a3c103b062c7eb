package agent

// OutputMode selects how a child agent's result is summarized back to its
// spawner.
type OutputMode string

const (
	OutputLastMessage      OutputMode = "last_message"
	OutputStructured       OutputMode = "structured_output"
	OutputAllMessages      OutputMode = "all_messages"
)

// Schema is the structural-validation contract a Template's input/output
// must satisfy. Concrete implementations live in agent/tools (JSON Schema
// via santhosh-tekuri/jsonschema/v6); this package only depends on the
// narrow Parse contract so the data model stays free of the schema
// compiler's dependencies.
type Schema interface {
	// Parse validates value and returns a normalized copy, or an error
	// describing why it was rejected.
	Parse(value any) (any, error)
}

// StepHandler is the native form of a Template's programmatic step
// function (handleSteps). Concrete generator execution lives in
// agent/progstep; this is the function shape a handler must expose once
// adapted into a cooperative generator.
type StepHandler interface {
	// Source returns the sandboxed-source form of the handler when it was
	// declared as a string, or ("", false) for a native handler.
	Source() (src string, isSource bool)
}

// NativeStepHandler wraps a Go function that drives agent/progstep's
// generator protocol directly, without a sandbox.
type NativeStepHandler struct {
	Run func(y Yielder) error
}

func (NativeStepHandler) Source() (string, bool) { return "", false }

// SourceStepHandler wraps a sandboxed-source program (the string form of
// a programmatic step); evaluated by agent/progstep/sandbox.
type SourceStepHandler struct {
	Src string
}

func (h SourceStepHandler) Source() (string, bool) { return h.Src, true }

// Yielder is the minimal interface a native step handler uses to drive the
// generator protocol; it is satisfied by agent/progstep's runtime type. It
// lives here (rather than only in agent/progstep) so Template.HandleSteps
// can reference it without agent depending on agent/progstep.
type Yielder interface {
	// Tool executes one tool call synchronously and returns its result.
	Tool(toolName string, input map[string]any, includeToolCall bool) (ToolResultContent, error)
	// Step pauses for one LLM step; returns whether the LLM ended its turn.
	Step() (endedTurn bool, err error)
	// StepAll pauses until the LLM ends its turn across any number of
	// steps.
	StepAll() error
	// StepText parses text as if it were LLM output and executes any
	// embedded tool calls.
	StepText(text string) error
	// GenerateN requests an n-response non-streaming LLM call.
	GenerateN(n int) (responses []string, err error)
}

// Template is the immutable Agent Template. Templates are created at
// registry load and never mutated afterward.
type Template struct {
	ID AgentID

	DisplayName        string
	Model               string
	SystemPrompt        string
	InstructionsPrompt  string
	StepPrompt          string

	ToolNames       []string
	SpawnableAgents []string

	InputSchema  Schema
	OutputSchema Schema

	OutputMode             OutputMode
	IncludeMessageHistory  bool
	InheritParentSystemPrompt bool

	HandleSteps StepHandler

	// DefaultStepsRemaining seeds AgentState.StepsRemaining for runs
	// started against this template (top-level or spawned).
	DefaultStepsRemaining int
}

// Validate enforces the Template-level invariants: InheritParentSystemPrompt
// is mutually exclusive with a non-empty SystemPrompt, OutputMode must be
// empty or one of the three known values, and DefaultStepsRemaining must
// be non-negative.
func (t *Template) Validate() error {
	if t.InheritParentSystemPrompt && t.SystemPrompt != "" {
		return &TemplateError{Template: t.ID.String(), Reason: "inheritParentSystemPrompt is mutually exclusive with a non-empty systemPrompt"}
	}
	switch t.OutputMode {
	case OutputLastMessage, OutputStructured, OutputAllMessages, "":
	default:
		return &TemplateError{Template: t.ID.String(), Reason: "unknown outputMode: " + string(t.OutputMode)}
	}
	if t.DefaultStepsRemaining < 0 {
		return &TemplateError{Template: t.ID.String(), Reason: "defaultStepsRemaining must be non-negative"}
	}
	return nil
}

// TemplateError reports a Template that failed validation at registry load.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return "invalid agent template " + e.Template + ": " + e.Reason
}

// CanSpawn reports whether childID is a permitted spawn target of t.
func (t *Template) CanSpawn(childID string) bool {
	for _, id := range t.SpawnableAgents {
		if id == childID {
			return true
		}
	}
	return false
}

// HasTool reports whether name is in the template's tool allowlist.
func (t *Template) HasTool(name string) bool {
	for _, n := range t.ToolNames {
		if n == name {
			return true
		}
	}
	return false
}
