// ABOUTME: Connector manager: owns named connectors, auto-connects, retries with backoff and aggregates tools.
// ABOUTME: Consumes each connector's event channel and republishes server-level events.

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/connector"
	"github.com/2389/mcp-relay/internal/transport"
)

// Manager errors
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrServerExists  = errors.New("server already registered")
	ErrNotConnected  = errors.New("server not connected")
	ErrUnknownTool   = errors.New("unknown tool")
	ErrClosed        = errors.New("manager closed")
)

const (
	defaultEventBuffer   = 64
	defaultConnectWindow = time.Minute
)

// EventKind identifies a server-level event.
type EventKind string

const (
	EventAdded        EventKind = "added"
	EventRemoved      EventKind = "removed"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventRetrying     EventKind = "retrying"
	EventGaveUp       EventKind = "gave_up"
)

// Event reports something that happened to one server.
type Event struct {
	Server   string
	Kind     EventKind
	Err      error
	Attempt  int
	Delay    time.Duration
	ExitCode int
	Time     time.Time
}

// Tool is a catalogue entry decorated with its server.
type Tool struct {
	Name         string          `json:"name"`
	OriginalName string          `json:"original_name"`
	Server       string          `json:"server"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
}

// ServerStatus is a point-in-time snapshot of one server.
type ServerStatus struct {
	Name           string               `json:"name"`
	Transport      config.TransportKind `json:"transport"`
	State          string               `json:"state"`
	Connected      bool                 `json:"connected"`
	LastError      string               `json:"last_error,omitempty"`
	Tools          []string             `json:"tools"`
	LastCheck      time.Time            `json:"last_check"`
	RetryAttempts  int                  `json:"retry_attempts"`
	ConnectedSince *time.Time           `json:"connected_since,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger

	// PrefixToolNames is the default for servers without prefix_tool_names.
	PrefixToolNames bool

	// Retry is the base policy; per-server retry settings override it.
	Retry config.RetryConfig

	// Connector is the template for every connector the manager builds.
	Connector connector.Options

	EventBuffer int
}

type entry struct {
	cfg    *config.RemoteServerConfig
	conn   *connector.Connector
	retry  config.RetryConfig
	prefix bool

	// guarded by Manager.mu
	lastError  string
	lastCheck  time.Time
	attempts   int
	retryTimer *time.Timer
	resetTimer *time.Timer
	removed    bool

	stop      chan struct{}
	watchDone chan struct{}
}

// Manager owns the connectors for all configured remote servers.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*entry
	closed  bool

	evMu     sync.RWMutex
	events   chan Event
	evClosed bool
}

// New creates an empty Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.With("component", "manager"),
		servers: make(map[string]*entry),
		events:  make(chan Event, buffer),
	}
}

// Events delivers server-level events. The channel is closed by Close.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	ev.Time = time.Now()
	m.evMu.RLock()
	defer m.evMu.RUnlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("event buffer full, dropping event", "server", ev.Server, "kind", ev.Kind)
	}
}

// Initialize registers every configured server, continuing past invalid
// entries, then connects the servers that should start automatically.
// The returned error joins the per-server registration failures.
func (m *Manager) Initialize(ctx context.Context, servers []config.RemoteServerConfig) error {
	var errs []error
	var names []string
	for i := range servers {
		cfg := servers[i]
		if err := m.AddServer(&cfg); err != nil {
			m.logger.Error("server rejected", "server", cfg.Name, "error", err)
			m.emit(Event{Server: cfg.Name, Kind: EventError, Err: err})
			errs = append(errs, err)
			continue
		}
		names = append(names, cfg.Name)
	}
	m.connectAuto(ctx, names)
	return errors.Join(errs...)
}

// connectAuto connects the named servers in parallel. Failures are handled by
// the retry policy and never returned.
func (m *Manager) connectAuto(ctx context.Context, names []string) {
	var g errgroup.Group
	for _, name := range names {
		m.mu.Lock()
		e, ok := m.servers[name]
		m.mu.Unlock()
		if !ok || !e.cfg.ShouldAutoConnect() {
			continue
		}
		g.Go(func() error {
			m.connectOrRetry(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

// AddServer validates cfg and registers a connector for it without connecting.
func (m *Manager) AddServer(cfg *config.RemoteServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerExists, cfg.Name)
	}
	if cfg.Transport == config.TransportContainer {
		for _, other := range m.servers {
			if other.cfg.Transport == config.TransportContainer && other.cfg.ContainerName() == cfg.ContainerName() {
				m.mu.Unlock()
				return &config.ValidationError{
					Server: cfg.Name,
					Field:  "container.container_name",
					Reason: fmt.Sprintf("%q is already used by server %q", cfg.ContainerName(), other.cfg.Name),
				}
			}
		}
	}

	copts := m.opts.Connector
	copts.Logger = m.opts.Logger
	e := &entry{
		cfg:       cfg,
		conn:      connector.New(cfg, copts),
		retry:     cfg.Retry.Merge(m.opts.Retry).WithDefaults(),
		prefix:    cfg.ShouldPrefix(m.opts.PrefixToolNames),
		stop:      make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	m.servers[cfg.Name] = e
	m.mu.Unlock()

	go m.watch(e)

	m.logger.Info("server added", "server", cfg.Name, "transport", string(cfg.Transport))
	m.emit(Event{Server: cfg.Name, Kind: EventAdded})
	return nil
}

// RemoveServer disconnects and forgets a server.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	e, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	delete(m.servers, name)
	m.retireLocked(e)
	m.mu.Unlock()

	err := m.shutdown(e)
	m.logger.Info("server removed", "server", name)
	m.emit(Event{Server: name, Kind: EventRemoved})
	return err
}

func (m *Manager) retireLocked(e *entry) {
	e.removed = true
	stopTimer(&e.retryTimer)
	stopTimer(&e.resetTimer)
}

func (m *Manager) shutdown(e *entry) error {
	err := e.conn.Disconnect()
	close(e.stop)
	<-e.watchDone
	return err
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Reconcile applies a new server list: dropped servers are removed, changed
// ones are recreated, and new ones are added and auto-connected.
func (m *Manager) Reconcile(ctx context.Context, servers []config.RemoteServerConfig) error {
	desired := make(map[string]config.RemoteServerConfig, len(servers))
	for _, s := range servers {
		desired[s.Name] = s
	}

	m.mu.Lock()
	current := make(map[string]*config.RemoteServerConfig, len(m.servers))
	for name, e := range m.servers {
		current[name] = e.cfg
	}
	m.mu.Unlock()

	var errs []error
	for name, cfg := range current {
		want, keep := desired[name]
		if keep && reflect.DeepEqual(*cfg, want) {
			delete(desired, name)
			continue
		}
		if err := m.RemoveServer(name); err != nil && !errors.Is(err, ErrUnknownServer) {
			m.logger.Warn("error removing server during reconcile", "server", name, "error", err)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	var added []string
	for _, name := range names {
		cfg := desired[name]
		if err := m.AddServer(&cfg); err != nil {
			m.emit(Event{Server: name, Kind: EventError, Err: err})
			errs = append(errs, err)
			continue
		}
		added = append(added, name)
	}
	m.connectAuto(ctx, added)

	m.logger.Info("servers reconciled", "added", len(added), "total", len(servers))
	return errors.Join(errs...)
}

// Connect connects a server now, cancelling any scheduled retry.
func (m *Manager) Connect(ctx context.Context, name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	stopTimer(&e.retryTimer)
	e.attempts = 0
	m.mu.Unlock()
	return e.conn.Connect(ctx)
}

// Disconnect disconnects a server and cancels any scheduled retry.
func (m *Manager) Disconnect(name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	stopTimer(&e.retryTimer)
	stopTimer(&e.resetTimer)
	e.attempts = 0
	m.mu.Unlock()
	return e.conn.Disconnect()
}

func (m *Manager) lookup(name string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return e, nil
}

// watch turns connector events into status updates, retries and manager events.
func (m *Manager) watch(e *entry) {
	defer close(e.watchDone)
	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.conn.Events():
			m.handle(e, ev)
		}
	}
}

func (m *Manager) handle(e *entry, ev connector.Event) {
	name := e.cfg.Name
	m.mu.Lock()
	e.lastCheck = ev.Time
	if ev.Err != nil {
		e.lastError = ev.Err.Error()
	}
	if ev.Kind == connector.EventConnected {
		e.lastError = ""
		stopTimer(&e.resetTimer)
		if e.attempts > 0 {
			conn := e.conn
			e.resetTimer = time.AfterFunc(e.retry.ResetAfter, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if !e.removed && conn.IsConnected() {
					e.attempts = 0
				}
			})
		}
	}
	if ev.Kind == connector.EventDisconnected {
		stopTimer(&e.resetTimer)
	}
	m.mu.Unlock()

	switch ev.Kind {
	case connector.EventConnected:
		m.emit(Event{Server: name, Kind: EventConnected})

	case connector.EventDisconnected:
		m.emit(Event{Server: name, Kind: EventDisconnected, Err: ev.Err, ExitCode: ev.ExitCode})
		if !ev.Expected {
			m.logger.Warn("server disconnected unexpectedly", "server", name, "exit_code", ev.ExitCode, "error", ev.Err)
			m.scheduleRetry(e, ev.Err)
		}

	case connector.EventError:
		m.emit(Event{Server: name, Kind: EventError, Err: ev.Err})
	}
}

// connectOrRetry connects e and hands connection failures to the retry policy.
func (m *Manager) connectOrRetry(ctx context.Context, e *entry) {
	err := e.conn.Connect(ctx)
	if err == nil || errors.Is(err, connector.ErrConnectInProgress) {
		return
	}
	m.logger.Warn("connect failed", "server", e.cfg.Name, "error", err)
	if isConfigError(err) {
		return
	}
	m.scheduleRetry(e, err)
}

// scheduleRetry arms the reconnect timer unless retries are off, exhausted,
// already pending, or the server is one-shot.
func (m *Manager) scheduleRetry(e *entry, cause error) {
	if !e.retry.IsEnabled() || e.conn.OneShot() {
		return
	}

	m.mu.Lock()
	if e.removed || m.closed || e.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	if e.attempts >= e.retry.MaxAttempts {
		attempts := e.attempts
		m.mu.Unlock()
		m.logger.Error("giving up on server", "server", e.cfg.Name, "attempts", attempts, "error", cause)
		m.emit(Event{Server: e.cfg.Name, Kind: EventGaveUp, Attempt: attempts, Err: cause})
		return
	}
	delay := Backoff(e.retry, e.attempts)
	e.attempts++
	attempt := e.attempts
	e.retryTimer = time.AfterFunc(delay, func() { m.retry(e) })
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "server", e.cfg.Name, "attempt", attempt, "delay", delay)
	m.emit(Event{Server: e.cfg.Name, Kind: EventRetrying, Attempt: attempt, Delay: delay, Err: cause})
}

func (m *Manager) retry(e *entry) {
	m.mu.Lock()
	e.retryTimer = nil
	if e.removed || m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectWindow)
	defer cancel()
	m.connectOrRetry(ctx, e)
}

// Backoff returns the delay before retry number attempt (zero based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay.
func Backoff(r config.RetryConfig, attempt int) time.Duration {
	d := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if d > float64(r.MaxDelay) || math.IsInf(d, 0) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

func isConfigError(err error) bool {
	var ve *config.ValidationError
	var ue *transport.UnsupportedOptionsError
	return errors.As(err, &ve) || errors.As(err, &ue) || errors.Is(err, transport.ErrNoLauncher)
}

func (e *entry) allows(tool string) bool {
	if len(e.cfg.IncludeTools) > 0 && !matchAny(e.cfg.IncludeTools, tool) {
		return false
	}
	return !matchAny(e.cfg.ExcludeTools, tool)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (e *entry) exposedName(tool string) string {
	if e.prefix {
		return e.cfg.Name + config.ToolSeparator + tool
	}
	return tool
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cfg.Name < entries[j].cfg.Name })
	return entries
}

// ListAllTools queries every connected server in parallel. A server that
// fails contributes nothing and produces an error event.
func (m *Manager) ListAllTools(ctx context.Context) []Tool {
	entries := m.snapshot()
	results := make([][]Tool, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		if !e.conn.IsConnected() {
			continue
		}
		g.Go(func() error {
			tools, err := e.conn.ListTools(ctx)
			if err != nil {
				m.logger.Warn("listing tools failed", "server", e.cfg.Name, "error", err)
				m.mu.Lock()
				e.lastError = err.Error()
				m.mu.Unlock()
				m.emit(Event{Server: e.cfg.Name, Kind: EventError, Err: fmt.Errorf("listing tools: %w", err)})
				return nil
			}
			m.mu.Lock()
			e.lastCheck = time.Now()
			m.mu.Unlock()
			results[i] = e.decorate(tools)
			return nil
		})
	}
	_ = g.Wait()

	var all []Tool
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

func (e *entry) decorate(tools []connector.Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if !e.allows(t.Name) {
			continue
		}
		out = append(out, Tool{
			Name:         e.exposedName(t.Name),
			OriginalName: t.Name,
			Server:       e.cfg.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Annotations:  t.Annotations,
		})
	}
	return out
}

// CallTool invokes tool on server. It fails fast when the server is unknown,
// not connected, or the tool is filtered out.
func (m *Manager) CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	e, err := m.lookup(server)
	if err != nil {
		return nil, err
	}
	if !e.conn.IsConnected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, server)
	}
	if !e.allows(tool) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTool, tool, server)
	}

	start := time.Now()
	result, err := e.conn.CallTool(ctx, tool, arguments)
	m.logger.Debug("tool call finished",
		"server", server,
		"tool", tool,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

// ResolveTool maps an exposed tool name back to its server and original
// name. Qualified names (server__tool) resolve against prefixing servers;
// bare names are looked up in the cached catalogues of non-prefixing ones.
func (m *Manager) ResolveTool(ctx context.Context, name string) (string, string, error) {
	if server, tool, ok := strings.Cut(name, config.ToolSeparator); ok {
		m.mu.Lock()
		e, found := m.servers[server]
		m.mu.Unlock()
		if found && e.prefix && e.allows(tool) {
			return server, tool, nil
		}
	}

	for _, e := range m.snapshot() {
		if e.prefix || !e.conn.IsConnected() || !e.allows(name) {
			continue
		}
		tools, err := e.conn.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == name {
				return e.cfg.Name, name, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Status returns the snapshot for one server.
func (m *Manager) Status(name string) (ServerStatus, error) {
	e, err := m.lookup(name)
	if err != nil {
		return ServerStatus{}, err
	}
	return m.status(e), nil
}

// Statuses returns snapshots for every server ordered by name.
func (m *Manager) Statuses() []ServerStatus {
	entries := m.snapshot()
	out := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.status(e))
	}
	return out
}

func (m *Manager) status(e *entry) ServerStatus {
	state := e.conn.State()
	tools := []string{}
	if state == connector.StateConnected {
		for _, t := range e.decorate(e.conn.CachedTools()) {
			tools = append(tools, t.Name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := ServerStatus{
		Name:          e.cfg.Name,
		Transport:     e.cfg.Transport,
		State:         state.String(),
		Connected:     state == connector.StateConnected,
		LastError:     e.lastError,
		Tools:         tools,
		LastCheck:     e.lastCheck,
		RetryAttempts: e.attempts,
	}
	if since := e.conn.ConnectedSince(); !since.IsZero() {
		st.ConnectedSince = &since
	}
	return st
}

// Close disconnects every server and closes the event channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		m.retireLocked(e)
		entries = append(entries, e)
	}
	m.servers = make(map[string]*entry)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error { return m.shutdown(e) })
	}
	err := g.Wait()

	m.evMu.Lock()
	m.evClosed = true
	close(m.events)
	m.evMu.Unlock()
	return err
}
