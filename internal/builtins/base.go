// ABOUTME: Base pack: echo, countdown and whoami procedures available to every caller.
// ABOUTME: countdown is the stepped, cancellable task that exercises progress notifications.

package builtins

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/tasks"
)

const (
	defaultCountdownSteps    = 10
	maxCountdownSteps        = 100
	defaultCountdownInterval = 100 * time.Millisecond
	maxCountdownInterval     = 10 * time.Second
)

// EchoArgs are the arguments for echo.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to return unchanged"`
}

// CountdownArgs are the arguments for countdown.
type CountdownArgs struct {
	Steps      int `json:"steps,omitempty" jsonschema:"description=Number of steps (default 10 and at most 100)"`
	IntervalMS int `json:"interval_ms,omitempty" jsonschema:"description=Delay per step in milliseconds (default 100)"`
}

// NoArgs is the argument type of procedures that take none.
type NoArgs struct{}

// Whoami describes the calling identity.
type Whoami struct {
	Identity string `json:"identity"`
	Method   string `json:"method"`
	Admin    bool   `json:"admin"`
}

// BasePack creates the base pack. countdown registers its runs in reg so they
// can be listed and cancelled.
func BasePack(reg *tasks.Registry) packs.Pack {
	b := &baseHandlers{tasks: reg}
	readOnly := packs.WithAnnotations(map[string]any{"readOnlyHint": true})
	return packs.Pack{
		ID: "builtin:base",
		Procedures: []*packs.Procedure{
			packs.NewProcedure("echo", "Return the given text unchanged", b.Echo, readOnly),
			packs.NewProcedure("countdown", "Count down in cancellable steps, reporting progress after each one", b.Countdown),
			packs.NewProcedure("whoami", "Describe the identity the relay authenticated for this call", b.Whoami, readOnly),
		},
	}
}

type baseHandlers struct {
	tasks *tasks.Registry
}

// Echo returns args.Text.
func (b *baseHandlers) Echo(ctx context.Context, args EchoArgs) (any, error) {
	return args.Text, nil
}

// Countdown runs args.Steps sleeps of args.IntervalMS each. The task id and
// progress token come from the invocation when the gateway supplied one.
func (b *baseHandlers) Countdown(ctx context.Context, args CountdownArgs) (any, error) {
	steps := args.Steps
	if steps == 0 {
		steps = defaultCountdownSteps
	}
	if steps < 0 || steps > maxCountdownSteps {
		return nil, fmt.Errorf("%w: steps must be between 1 and %d", packs.ErrInvalidArguments, maxCountdownSteps)
	}

	interval := defaultCountdownInterval
	if args.IntervalMS != 0 {
		interval = time.Duration(args.IntervalMS) * time.Millisecond
	}
	if interval < 0 || interval > maxCountdownInterval {
		return nil, fmt.Errorf("%w: interval_ms must be between 0 and %d", packs.ErrInvalidArguments, maxCountdownInterval.Milliseconds())
	}

	return tasks.RunForInvocation(ctx, b.tasks, tasks.Run{
		StartOptions: tasks.StartOptions{Name: "countdown", TotalSteps: steps},
		Step: func(ctx context.Context, i int) (string, error) {
			timer := time.NewTimer(interval)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-timer.C:
			}
			return fmt.Sprintf("%d remaining", steps-i-1), nil
		},
	})
}

// Whoami reports the caller's auth context.
func (b *baseHandlers) Whoami(ctx context.Context, _ NoArgs) (any, error) {
	ac := auth.FromContext(ctx)
	w := Whoami{Identity: ac.Identity(), Method: auth.MethodAnonymous, Admin: ac.IsAdmin()}
	if ac != nil && ac.Method != "" {
		w.Method = ac.Method
	}
	return w, nil
}
