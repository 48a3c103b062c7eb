// Package engine defines the durable-execution abstraction a
// runtime.Controller run can be driven through: a pluggable Engine
// interface so one agent run can execute as a plain in-process goroutine
// (agent/engine/inmem, the default) or as a Temporal workflow
// (agent/engine/temporal, for production deployments that need replay,
// history, and cross-process resumption) without the call site caring
// which.
package engine

import (
	"context"
	"time"

	"github.com/levelcode/agentkit/agent/telemetry"
)

type (
	// Engine abstracts workflow/activity registration and execution so
	// adapters (Temporal, in-memory, or a future custom backend) can be
	// swapped without touching agent/runtime or agent/spawn.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Must be called during service startup, before StartWorkflow.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition with the engine.
		// Must be called during service startup, before any workflow that
		// calls it is started.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow begins a new workflow execution and returns a handle
		// for interacting with it. req.ID must be unique for the engine
		// instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine, e.g.
		// "AgentRunWorkflow".
		Name string
		// TaskQueue is the default queue new workflow executions are
		// scheduled on.
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic: it
	// should produce the same sequence of ExecuteActivity calls given the
	// same input and the same activity results on replay. agent/runtime's
	// Controller.Loop satisfies this as long as every LLM/tool call it makes
	// is routed through ExecuteActivity rather than called directly.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow. It
	// wraps engine-specific contexts (Temporal's workflow.Context, or a
	// plain context.Context for the in-memory engine) behind one API.
	//
	// Implementations must preserve deterministic replay: ExecuteActivity
	// and SignalChannel must produce the same results on replay as they did
	// live. Workflow code must not perform direct I/O or read wall-clock
	// time other than through Now().
	WorkflowContext interface {
		// Context returns the underlying Go context, for activity execution
		// and cancellation propagation.
		Context() context.Context

		// WorkflowID returns this workflow execution's unique identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// decoding it into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the named signal, e.g. for
		// delivering an externally-resolved clarification/confirmation
		// answer back into a paused run.
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the current time in a replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result, returned by
	// ExecuteActivityAsync so a workflow can fan out several activities
	// (e.g. agent/spawn's concurrent children) and collect results as they
	// complete.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike a WorkflowFunc,
	// it may perform side effects (the LLM call, a tool's I/O).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		// Timeout bounds each activity attempt: the Temporal engine applies
		// it as both the schedule-to-start and start-to-close timeout and,
		// when it is zero, falls back to its default activity options and
		// then to one minute. The in-memory engine does not apply it.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch one workflow execution.
	WorkflowStartRequest struct {
		// ID must be unique within the engine; agent/engine callers derive
		// it from the run's RunID.
		ID        string
		Workflow  string
		TaskQueue string
		Input     any
		// Memo carries small diagnostic payloads alongside the execution
		// (agent ID, agent type); engines that support workflow visibility
		// (Temporal) persist these for queries.
		Memo        map[string]any
		RetryPolicy RetryPolicy
	}

	// ActivityRequest describes one activity invocation from a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its result
		// into result.
		Wait(ctx context.Context, result any) error
		// Signal delivers an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is shared retry configuration for workflows and
	// activities. A zero value means "use the engine's default".
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal is delivered and decodes it into
		// dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, returning true if a
		// value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
