// ABOUTME: Transport abstraction over the five ways a remote tool server is reached.
// ABOUTME: New selects the implementation from a server's configured transport kind.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
)

// Transport errors
var (
	ErrNotStarted        = errors.New("transport not started")
	ErrAlreadyStarted    = errors.New("transport already started")
	ErrClosed            = errors.New("transport closed")
	ErrSessionExpired    = errors.New("session expired")
	ErrWriteStalled      = errors.New("peer stopped reading")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrEnginePermission  = errors.New("permission denied on container engine socket")
	ErrContainerConflict = errors.New("container name conflict")
)

// Transport moves JSON-RPC envelopes to and from one remote server.
//
// Inbound envelopes arrive on Messages. When the underlying stream ends the
// Messages channel is closed, Done is closed, and Err reports the cause: nil
// after Close, an *ExitError when a process or container exited on its own,
// or another error for broken streams.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg *jsonrpc.Message) error
	Messages() <-chan *jsonrpc.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// OneShot is implemented by transports that carry no session: every request
// stands alone, so there is no handshake and nothing to reconnect.
type OneShot interface {
	OneShot() bool
}

// IsOneShot reports whether t is a one-shot transport.
func IsOneShot(t Transport) bool {
	o, ok := t.(OneShot)
	return ok && o.OneShot()
}

// ExitError reports that the remote process or container ended by itself.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Options carries collaborators shared by all transports.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Engine is used by the container transport. Nil means a docker client
	// configured from the environment.
	Engine ContainerEngine

	// LookPath resolves launcher binaries. Nil means exec.LookPath.
	LookPath func(string) (string, error)
}

// New builds the transport for cfg. It does not start it.
func New(cfg *config.RemoteServerConfig, opts Options) (Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	logger := opts.Logger.With("server", cfg.Name, "transport", string(cfg.Transport))

	switch cfg.Transport {
	case config.TransportPython, config.TransportNode:
		return NewProcess(ProcessConfig{
			Name:     cfg.Name,
			Kind:     cfg.Transport,
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.Env,
			Dir:      cfg.WorkDir,
			LookPath: opts.LookPath,
			Logger:   logger,
		}), nil

	case config.TransportContainer:
		if cfg.Container == nil {
			return nil, &config.ValidationError{Server: cfg.Name, Field: "container", Reason: "is required"}
		}
		return NewContainer(ContainerTransportConfig{
			Server:       cfg.Name,
			Image:        cfg.Container.Image,
			Args:         cfg.Container.Args,
			Command:      cfg.Container.Command,
			Name:         cfg.ContainerName(),
			Reuse:        cfg.Container.ReuseEnabled(),
			RemoveOnExit: cfg.Container.RemoveOnExitEnabled(),
			Engine:       opts.Engine,
			Logger:       logger,
		})

	case config.TransportHTTP:
		return NewHTTP(HTTPConfig{
			URL:     cfg.URL,
			Headers: authHeaders(cfg),
			Client:  opts.HTTPClient,
			Logger:  logger,
		}), nil

	case config.TransportStreamingHTTP:
		return NewStreamingHTTP(HTTPConfig{
			URL:     cfg.URL,
			Headers: authHeaders(cfg),
			Client:  opts.HTTPClient,
			Logger:  logger,
		}), nil

	default:
		return nil, &config.ValidationError{Server: cfg.Name, Field: "transport", Reason: fmt.Sprintf("unknown kind %q", cfg.Transport)}
	}
}
