package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent/engine"
)

func TestEngine_RunsWorkflowAndActivity(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "double_workflow",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
				Name:  "double",
				Input: input,
			}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "double_workflow",
		Input:    21,
	})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestEngine_WorkflowErrorPropagates(t *testing.T) {
	e := New()
	ctx := context.Background()
	wantErr := errors.New("boom")

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "failing",
		Handler: func(_ engine.WorkflowContext, _ any) (any, error) {
			return nil, wantErr
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "failing"})
	require.NoError(t, err)

	err = h.Wait(ctx, nil)
	assert.EqualError(t, err, "boom")
}

func TestEngine_StartWorkflowUnknownName(t *testing.T) {
	e := New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-3", Workflow: "missing"})
	assert.Error(t, err)
}

func TestEngine_ExecuteActivityUnknownName(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "calls_missing_activity",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "missing"}, nil)
			return nil, err
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-4", Workflow: "calls_missing_activity"})
	require.NoError(t, err)
	assert.Error(t, h.Wait(ctx, nil))
}

func TestEngine_SignalDeliveredToWorkflow(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waits_for_signal",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var msg string
			if err := wctx.SignalChannel("approve").Receive(wctx.Context(), &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-5", Workflow: "waits_for_signal"})
	require.NoError(t, err)

	require.NoError(t, h.Signal(ctx, "approve", "go ahead"))

	var result string
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx, &result))
	assert.Equal(t, "go ahead", result)
}

func TestEngine_DuplicateRegistrationRejected(t *testing.T) {
	e := New()
	ctx := context.Background()
	def := engine.WorkflowDefinition{Name: "dup", Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil }}
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	assert.Error(t, e.RegisterWorkflow(ctx, def))
}
