// ABOUTME: Per-call invocation metadata carried on the context into procedures.
// ABOUTME: Lets a long-running procedure register its task under the caller's request id.

package tasks

import (
	"context"
	"encoding/json"
)

// Invocation describes the tool call a procedure is running for.
type Invocation struct {
	// ID is the task id to register under; cancellation notices address it.
	ID            string
	ProgressToken json.RawMessage

	// Progress, if set, forwards progress snapshots to the caller.
	Progress func(Task)
}

type invocationKey struct{}

// WithInvocation attaches inv to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// RunForInvocation fills the run's id, progress token and progress sink from
// the invocation on ctx, then runs it.
func RunForInvocation(ctx context.Context, r *Registry, run Run) (Report, error) {
	if inv, ok := InvocationFrom(ctx); ok {
		if run.ID == "" {
			run.ID = inv.ID
		}
		if run.ProgressToken == nil {
			run.ProgressToken = inv.ProgressToken
		}
		if run.Progress == nil {
			run.Progress = inv.Progress
		}
	}
	return RunSteps(ctx, r, run)
}
