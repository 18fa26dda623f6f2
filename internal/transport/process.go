// ABOUTME: Child-process transport for python and node tool servers over stdio.
// ABOUTME: Resolves the launcher, merges env, logs redacted stderr and reports the exit code when the child ends.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
)

// Shutdown grace periods for Close: after stdin closes, then after SIGTERM.
const (
	stdinCloseGrace = 2 * time.Second
	sigtermGrace    = 3 * time.Second
)

// ErrNoLauncher indicates none of the candidate launcher binaries is installed.
var ErrNoLauncher = errors.New("no launcher found")

// ProcessConfig configures a child-process transport.
type ProcessConfig struct {
	Name     string
	Kind     config.TransportKind
	Command  string
	Args     []string
	Env      map[string]string
	Dir      string
	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

// Process runs a tool server as a child process and speaks newline-delimited
// JSON-RPC over its stdin and stdout.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stream  *messageStream
	exited  chan struct{}
	closing bool
	stalled bool

	writer *frameWriter
}

// NewProcess creates an unstarted process transport.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{cfg: cfg, logger: logger, stream: newMessageStream(), writer: newFrameWriter()}
}

// ResolveLauncher picks the executable and argument list for a process server.
//
// An explicit command wins. A command that is itself a script (.py, .js, .mjs,
// .cjs) runs under the ecosystem interpreter. Without a command the python
// kind tries uvx, python3, python and the node kind tries npx, node; package
// runners receive the args as-is, interpreters receive them as script and
// script arguments.
func ResolveLauncher(kind config.TransportKind, command string, args []string, lookPath func(string) (string, error)) (string, []string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if command != "" {
		if interp := scriptInterpreters(kind, command); interp != nil {
			path, err := firstFound(interp, lookPath)
			if err != nil {
				return "", nil, err
			}
			return path, append([]string{command}, args...), nil
		}
		return command, append([]string(nil), args...), nil
	}

	var candidates []string
	switch kind {
	case config.TransportPython:
		candidates = []string{"uvx", "python3", "python"}
	case config.TransportNode:
		candidates = []string{"npx", "node"}
	default:
		return "", nil, fmt.Errorf("transport %q has no launcher", kind)
	}

	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: no command or args to launch", ErrNoLauncher)
	}

	for _, c := range candidates {
		path, err := lookPath(c)
		if err != nil {
			continue
		}
		switch c {
		case "npx":
			// -y skips the install prompt that would otherwise block on stdin
			if args[0] != "-y" && args[0] != "--yes" {
				return path, append([]string{"-y"}, args...), nil
			}
		}
		return path, append([]string(nil), args...), nil
	}
	return "", nil, fmt.Errorf("%w: tried %s", ErrNoLauncher, strings.Join(candidates, ", "))
}

func scriptInterpreters(kind config.TransportKind, command string) []string {
	switch strings.ToLower(filepath.Ext(command)) {
	case ".py":
		if kind == config.TransportPython {
			return []string{"python3", "python"}
		}
	case ".js", ".mjs", ".cjs":
		if kind == config.TransportNode {
			return []string{"node"}
		}
	}
	return nil
}

func firstFound(candidates []string, lookPath func(string) (string, error)) (string, error) {
	for _, c := range candidates {
		if path, err := lookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoLauncher, strings.Join(candidates, ", "))
}

// MergeEnv overlays overrides onto base (KEY=VALUE entries). Overridden keys
// keep a single entry; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[k]; ok {
			if !seen[k] {
				out = append(out, k+"="+v)
				seen[k] = true
			}
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// Start launches the child process.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, args, err := ResolveLauncher(p.cfg.Kind, p.cfg.Command, p.cfg.Args, p.cfg.LookPath)
	if err != nil {
		return err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = MergeEnv(os.Environ(), p.cfg.Env)
	cmd.Dir = p.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	p.logger.Info("starting process",
		"command", path,
		"args", RedactArgs(args),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.exited = make(chan struct{})

	go p.run(stdout, stderr)
	return nil
}

// run owns the pipes: it drains stdout and stderr, reaps the child and
// finishes the message stream with the exit status.
func (p *Process) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logStderrLines(stderr, p.logger)
	}()

	readErr := p.stream.pump(stdout, p.logger)
	if readErr != nil {
		p.logger.Warn("stdout read failed", "error", readErr)
	}
	// A halted pump leaves stdout unread; drain it so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()

	waitErr := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	closing, stalled := p.closing, p.stalled
	p.mu.Unlock()

	code := exitCode(p.cmd, waitErr)
	if stalled {
		p.stream.finish(ErrWriteStalled)
		return
	}
	if closing {
		p.logger.Info("process stopped", "exit_code", code)
		p.stream.finish(nil)
		return
	}

	p.logger.Warn("process exited", "exit_code", code)
	p.stream.finish(&ExitError{Code: code, Err: readErr})
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Send writes one envelope to the child's stdin.
func (p *Process) Send(ctx context.Context, msg *jsonrpc.Message) error {
	p.mu.Lock()
	stdin := p.stdin
	closing := p.closing
	p.mu.Unlock()

	if stdin == nil {
		return ErrNotStarted
	}
	if closing {
		return ErrClosed
	}
	select {
	case <-p.stream.Done():
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

	if err := p.writer.write(ctx, p.stream.Done(), stdin, data, p.abortStalled); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// abortStalled tears the child down after a write to its stdin timed out.
func (p *Process) abortStalled() {
	p.mu.Lock()
	p.stalled = true
	p.mu.Unlock()
	p.logger.Warn("process stopped reading stdin, closing")
	_ = p.Close()
}

func (p *Process) Messages() <-chan *jsonrpc.Message { return p.stream.Messages() }

func (p *Process) Done() <-chan struct{} { return p.stream.Done() }

func (p *Process) Err() error { return p.stream.Err() }

// Close terminates the child: close stdin, then SIGTERM, then kill, waiting a
// grace period between steps. It returns once the child has been reaped.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.stream.Done()
		return nil
	}
	p.closing = true
	cmd, stdin, exited := p.cmd, p.stdin, p.exited
	p.mu.Unlock()

	if cmd == nil {
		p.stream.finish(nil)
		return nil
	}

	p.stream.halt()
	_ = stdin.Close()

	select {
	case <-exited:
	case <-time.After(stdinCloseGrace):
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(sigtermGrace):
			p.logger.Warn("process ignored SIGTERM, killing")
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	<-p.stream.Done()
	return nil
}
