// ABOUTME: Routes tool calls to registered procedures.
// ABOUTME: Validates arguments, applies the execution timeout and recovers executor panics.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrExecutorPanic indicates the executor panicked. The panic value is in the message.
var ErrExecutorPanic = errors.New("procedure panicked")

// DefaultTimeout is the default timeout for procedure execution.
const DefaultTimeout = 5 * time.Minute

// Router dispatches tool calls to procedures.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Timeout  time.Duration
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: cfg.Registry,
		logger:   logger.With("component", "router"),
		timeout:  timeout,
	}
}

// Has reports whether name is a registered procedure.
func (r *Router) Has(name string) bool {
	_, ok := r.registry.Get(name)
	return ok
}

// Execute validates args and runs the named procedure. It returns
// ErrToolNotFound, an ErrInvalidArguments wrap, or the executor's error.
func (r *Router) Execute(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	proc, ok := r.registry.Get(name)
	if !ok {
		r.logger.Debug("tool not found in registry", "tool_name", name)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if err := proc.Validate(args); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("procedure panicked",
				"tool_name", name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("%w: %v", ErrExecutorPanic, rec)
		}
	}()

	start := time.Now()
	r.logger.Debug("→ dispatching procedure", "tool_name", name)
	result, err = proc.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("procedure error", "tool_name", name, "error", err, "duration", time.Since(start))
		return nil, err
	}
	r.logger.Debug("← procedure responded", "tool_name", name, "duration", time.Since(start))
	return result, nil
}
