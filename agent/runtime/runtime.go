// Package runtime wires together the stream parser, tool executor, agent
// step driver, programmatic step driver, and loop controller into the
// single entry point applications drive: Controller.Loop runs one agent's
// turn-by-turn steps to completion.
package runtime

import (
	"context"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/memory"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/progstep"
	"github.com/levelcode/agentkit/agent/run"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
)

// Config collects the collaborators a Controller needs. Only Model, Tools,
// and Executor are required; the rest default to no-ops.
type Config struct {
	Model    model.Client
	Tools    *tools.Registry
	Executor *toolexec.Executor
	Policy   policy.Engine

	Bus  *hooks.Bus
	Sink stream.Sink

	// Generators tracks in-flight programmatic step goroutines by agent id;
	// required whenever any Template in use declares HandleSteps.
	Generators *progstep.Registry

	// ProposedContent holds tool-call proposals a programmatic step has
	// queued for later application, keyed by run id. Loop clears a run's
	// entries once it returns, so nothing outlives the run that proposed
	// it. Optional: nil if no Template in use ever proposes content.
	ProposedContent *toolexec.ProposedStore

	// States, when set, is kept current with every in-flight AgentState for
	// the duration of its Loop call; agent/spawn uses it to look up a
	// parent's state from inside a spawn_agents tool call. Optional.
	States *agent.StateIndex

	// MemoryStore, when set, receives every message Loop appends to state's
	// history for durable replay after the process exits. Optional: a nil
	// MemoryStore leaves history live only in the in-process AgentState.
	MemoryStore memory.Store

	// RunStore, when set, is kept current with this run's lifecycle status
	// (running, completed, failed, cancelled) for external observability.
	// Optional.
	RunStore run.Store
}

// Controller drives one agent's Loop against the collaborators in cfg.
type Controller struct {
	cfg Config
}

// New constructs a Controller. Tools, Executor, and Model must be non-nil.
func New(cfg Config) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = stream.Discard{}
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) publish(ctx context.Context, typ hooks.EventType, runID, agentID string, data map[string]any) {
	if c.cfg.Bus == nil {
		return
	}
	_ = c.cfg.Bus.Publish(ctx, hooks.Event{Type: typ, RunID: runID, AgentID: agentID, Data: data})
}

// Sink returns the Controller's configured output Sink.
func (c *Controller) Sink() stream.Sink {
	return c.cfg.Sink
}

// WithSink returns a Controller sharing every collaborator with c except
// its Sink, which is replaced with sink. Used by agent/spawn to decorate a
// child run's events with the parent's agent id without touching the
// parent's own Sink.
func (c *Controller) WithSink(sink stream.Sink) *Controller {
	cfg := c.cfg
	cfg.Sink = sink
	return &Controller{cfg: cfg}
}
