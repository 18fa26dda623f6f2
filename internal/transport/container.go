// ABOUTME: Container transport: runs a tool server as a single labeled container and speaks over its attach stream.
// ABOUTME: Handles reuse by config signature, attach-before-start, stdout/stderr demultiplexing and teardown.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/2389/mcp-relay/internal/jsonrpc"
)

// Container teardown timing
const (
	containerStopTimeout = 10 // seconds, passed to the engine
	containerOpTimeout   = 30 * time.Second
)

// ContainerEngine is the subset of the docker client used by the container
// transport. *client.Client satisfies it.
type ContainerEngine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// NewDockerEngine connects to the engine described by DOCKER_HOST and friends.
func NewDockerEngine() (ContainerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return cli, nil
}

// ContainerTransportConfig configures a container transport.
type ContainerTransportConfig struct {
	Server       string
	Image        string
	Args         []string
	Command      []string
	Name         string
	Reuse        bool
	RemoveOnExit bool
	Engine       ContainerEngine
	Logger       *slog.Logger
}

// Container runs one long-lived sidecar container per remote server.
type Container struct {
	cfg    ContainerTransportConfig
	spec   *ContainerSpec
	sig    string
	logger *slog.Logger

	mu         sync.Mutex
	engine     ContainerEngine
	ownsEngine bool
	id         string
	hijacked   *types.HijackedResponse
	started    bool
	closing    bool
	stalled    bool
	stream     *messageStream
	writer     *frameWriter
}

// NewContainer translates the flag list up front so that unsupported options
// surface as configuration errors before anything touches the engine.
func NewContainer(cfg ContainerTransportConfig) (*Container, error) {
	spec, err := TranslateFlags(cfg.Args, cfg.Image, cfg.Command)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		spec.Name = cfg.Name
	}
	if spec.Name == "" {
		spec.Name = "mcp-relay-" + cfg.Server
	}

	sig, err := Signature(spec)
	if err != nil {
		return nil, err
	}
	ApplyOwnership(spec, cfg.Server, sig)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Container{
		cfg:    cfg,
		spec:   spec,
		sig:    sig,
		logger: logger.With("container", spec.Name),
		engine: cfg.Engine,
		stream: newMessageStream(),
		writer: newFrameWriter(),
	}, nil
}

// Spec returns the translated creation parameters.
func (c *Container) Spec() *ContainerSpec { return c.spec }

// ContainerID returns the id of the running container, if any.
func (c *Container) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Start verifies the engine, creates or reuses the container, attaches, and starts it.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if c.engine == nil {
		engine, err := NewDockerEngine()
		if err != nil {
			return err
		}
		c.engine = engine
		c.ownsEngine = true
	}

	if _, err := c.engine.Ping(ctx); err != nil {
		return classifyEngineError(err)
	}

	id, created, err := c.ensureContainer(ctx)
	if err != nil {
		return err
	}

	hijacked, err := c.engine.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		c.undoCreate(id, created)
		return fmt.Errorf("attaching to container: %w", err)
	}

	if err := c.engine.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijacked.Close()
		c.undoCreate(id, created)
		return fmt.Errorf("starting container: %w", err)
	}

	c.id = id
	c.hijacked = &hijacked
	c.started = true

	c.logger.Info("container started",
		"id", shortID(id),
		"image", c.spec.Config.Image,
		"reused", !created,
		"args", RedactArgs(c.cfg.Args),
	)

	go c.run(hijacked)
	return nil
}

// ensureContainer returns the id of a container matching the spec, creating
// one when none can be reused.
func (c *Container) ensureContainer(ctx context.Context) (string, bool, error) {
	name := c.spec.Name
	existing, err := c.engine.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		labels := map[string]string{}
		if existing.Config != nil && existing.Config.Labels != nil {
			labels = existing.Config.Labels
		}
		if labels[LabelManaged] != "true" {
			return "", false, fmt.Errorf("%w: %q exists and is not managed by mcp-relay", ErrContainerConflict, name)
		}
		if owner := labels[LabelServer]; owner != c.cfg.Server {
			return "", false, fmt.Errorf("%w: %q belongs to server %q", ErrContainerConflict, name, owner)
		}

		running := existing.ContainerJSONBase != nil && existing.State != nil && existing.State.Running
		if c.cfg.Reuse && labels[LabelSignature] == c.sig {
			if running {
				// A running container already consumed its single stdin attach.
				if err := c.engine.ContainerStop(ctx, existing.ID, stopOptions()); err != nil {
					return "", false, fmt.Errorf("stopping stale container: %w", err)
				}
			}
			c.logger.Debug("reusing container", "id", shortID(existing.ID))
			return existing.ID, false, nil
		}

		c.logger.Info("recreating container",
			"id", shortID(existing.ID),
			"signature_match", labels[LabelSignature] == c.sig,
			"reuse", c.cfg.Reuse,
		)
		if running {
			if err := c.engine.ContainerStop(ctx, existing.ID, stopOptions()); err != nil {
				return "", false, fmt.Errorf("stopping outdated container: %w", err)
			}
		}
		if err := c.engine.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return "", false, fmt.Errorf("removing outdated container: %w", err)
		}

	case errdefs.IsNotFound(err):
	default:
		return "", false, fmt.Errorf("inspecting container %q: %w", name, classifyEngineError(err))
	}

	resp, err := c.engine.ContainerCreate(ctx, c.spec.Config, c.spec.HostConfig, c.spec.NetworkingConfig, nil, name)
	if err != nil {
		return "", false, fmt.Errorf("creating container: %w", classifyEngineError(err))
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("engine warning", "warning", w)
	}
	return resp.ID, true, nil
}

func (c *Container) undoCreate(id string, created bool) {
	if !created {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), containerOpTimeout)
	defer cancel()
	if err := c.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Warn("failed to remove partially created container", "id", shortID(id), "error", err)
	}
}

// run demultiplexes the attach stream, pumps stdout and finishes the stream
// with the container's exit code.
func (c *Container) run(hijacked types.HijackedResponse) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logStderrLines(stderrR, c.logger)
	}()

	readErr := c.stream.pump(stdoutR, c.logger)
	_, _ = io.Copy(io.Discard, stdoutR)
	wg.Wait()

	c.mu.Lock()
	closing, stalled := c.closing, c.stalled
	c.mu.Unlock()

	if stalled {
		c.stream.finish(ErrWriteStalled)
		return
	}
	if closing {
		c.stream.finish(nil)
		return
	}

	code := c.exitCode()
	c.logger.Warn("container exited", "exit_code", code)
	c.stream.finish(&ExitError{Code: code, Err: readErr})
}

func (c *Container) exitCode() int {
	ctx, cancel := context.WithTimeout(context.Background(), containerOpTimeout)
	defer cancel()

	c.mu.Lock()
	id := c.id
	c.mu.Unlock()

	// The attach stream can close a moment before the engine records the exit.
	for attempt := 0; attempt < 10; attempt++ {
		info, err := c.engine.ContainerInspect(ctx, id)
		if err != nil {
			return -1
		}
		if info.ContainerJSONBase == nil || info.State == nil {
			return -1
		}
		if !info.State.Running {
			return info.State.ExitCode
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(100 * time.Millisecond):
		}
	}
	return -1
}

// Send writes one envelope to the container's stdin.
func (c *Container) Send(ctx context.Context, msg *jsonrpc.Message) error {
	c.mu.Lock()
	hijacked := c.hijacked
	closing := c.closing
	c.mu.Unlock()

	if hijacked == nil {
		return ErrNotStarted
	}
	if closing {
		return ErrClosed
	}
	select {
	case <-c.stream.Done():
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	if err := c.writer.write(ctx, c.stream.Done(), hijacked.Conn, data, c.abortStalled); err != nil {
		return fmt.Errorf("write to container: %w", err)
	}
	return nil
}

// abortStalled stops the container after a write to its stdin timed out.
func (c *Container) abortStalled() {
	c.mu.Lock()
	c.stalled = true
	c.mu.Unlock()
	c.logger.Warn("container stopped reading stdin, closing")
	_ = c.Close()
}

func (c *Container) Messages() <-chan *jsonrpc.Message { return c.stream.Messages() }

func (c *Container) Done() <-chan struct{} { return c.stream.Done() }

func (c *Container) Err() error { return c.stream.Err() }

// Close stops the container and removes it unless it should be kept or the
// engine removes it by itself.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.stream.Done()
		return nil
	}
	c.closing = true
	started := c.started
	id := c.id
	hijacked := c.hijacked
	c.mu.Unlock()

	if !started {
		c.stream.finish(nil)
		return c.closeEngine()
	}

	c.stream.halt()
	_ = hijacked.CloseWrite()

	ctx, cancel := context.WithTimeout(context.Background(), containerOpTimeout)
	defer cancel()

	var errs []error
	if err := c.engine.ContainerStop(ctx, id, stopOptions()); err != nil && !errdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("stopping container: %w", err))
	}
	hijacked.Close()

	if c.cfg.RemoveOnExit && !c.spec.HostConfig.AutoRemove {
		if err := c.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("removing container: %w", err))
		}
	}

	<-c.stream.Done()
	c.logger.Info("container stopped", "id", shortID(id), "removed", c.cfg.RemoveOnExit || c.spec.HostConfig.AutoRemove)

	if err := c.closeEngine(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Container) closeEngine() error {
	if c.ownsEngine && c.engine != nil {
		return c.engine.Close()
	}
	return nil
}

func stopOptions() container.StopOptions {
	timeout := containerStopTimeout
	return container.StopOptions{Timeout: &timeout}
}

// classifyEngineError separates socket permission problems from an engine
// that is simply not running.
func classifyEngineError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrEnginePermission, err)
	case client.IsErrConnectionFailed(err), strings.Contains(msg, "cannot connect to the docker daemon"):
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	default:
		return err
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
