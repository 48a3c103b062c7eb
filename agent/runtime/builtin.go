package runtime

import (
	"context"

	"github.com/levelcode/agentkit/agent/tools"
)

// EndTurnTool is the well-known tool name whose invocation ends the current
// turn.
const EndTurnTool tools.Ident = "end_turn"

// SetOutputTool is the well-known tool name a template with an OutputSchema
// uses to record its structured result before ending its turn.
const SetOutputTool tools.Ident = "set_output"

// RegisterBuiltins adds the end_turn and set_output tool specs to reg if
// they are not already registered, so applications need not hand-roll
// these two universal tools for every template. Both handlers are
// deliberately trivial: the Loop Controller, not the handler, is what
// interprets an end_turn/set_output call's effect on the run (shouldEndTurn
// and agentState.Output respectively), by inspecting the dispatched Call
// alongside the executor's Result.
func RegisterBuiltins(reg *tools.Registry) {
	if _, ok := reg.Lookup(EndTurnTool); !ok {
		reg.Register(&tools.Spec{
			ID:          EndTurnTool,
			Description: "Signal that the agent has finished its turn.",
			Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
				return tools.Text("turn ended"), nil
			}),
		})
	}
	if _, ok := reg.Lookup(SetOutputTool); !ok {
		reg.Register(&tools.Spec{
			ID:          SetOutputTool,
			Description: "Record the agent's structured output for this run.",
			Handler: tools.HandlerFunc(func(ctx context.Context, call tools.Invocation) (tools.Result, error) {
				return tools.Text("output recorded"), nil
			}),
		})
	}
}
