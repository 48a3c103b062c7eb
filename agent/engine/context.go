package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a Go context handed to an
// activity, so nested code (e.g. a spawned subagent started from within an
// activity) can recover the originating workflow context if needed.
type wfCtxKey struct{}

// activityCtxKey marks a context as originating from an activity
// invocation, distinguishing it from a true workflow context.
type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf. Engine adapters
// use this when invoking activity handlers.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext returns a child context marked as an activity
// invocation context.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx originated from an activity
// invocation.
func IsActivityContext(ctx context.Context) bool {
	v, ok := ctx.Value(activityCtxKey{}).(bool)
	return ok && v
}

// WorkflowContextFromContext extracts the WorkflowContext carried by ctx, or
// nil if none was attached via WithWorkflowContext.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	wf, _ := ctx.Value(wfCtxKey{}).(WorkflowContext)
	return wf
}
