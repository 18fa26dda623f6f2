// ABOUTME: Remote connector: owns one transport, runs the MCP handshake and correlates requests by id.
// ABOUTME: Reports connect, disconnect and error events on a channel consumed by the manager.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/transport"
)

// Connector errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrConnectInProgress  = errors.New("connect already in progress")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrProcessExited      = errors.New("remote exited")
	ErrDuplicateRequestID = errors.New("duplicate request id")
)

// ProtocolVersion is the MCP revision offered during initialize.
const ProtocolVersion = "2025-03-26"

const defaultEventBuffer = 32

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is a lifecycle notification. Expected is set for disconnects the
// owner asked for. On disconnect events ExitCode is -1 unless a process or
// container exited.
type Event struct {
	Server   string
	Kind     EventKind
	Expected bool
	ExitCode int
	Err      error
	Time     time.Time
}

// Tool is one entry of a remote catalogue.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// ServerInfo is what the remote reported about itself during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the decoded initialize response.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// TransportFactory builds the transport for a server config.
type TransportFactory func(cfg *config.RemoteServerConfig) (transport.Transport, error)

// Options configures a Connector.
type Options struct {
	Logger *slog.Logger

	// Transport is passed to transport.New by the default factory.
	Transport transport.Options

	// NewTransport overrides transport selection.
	NewTransport TransportFactory

	// ClientVersion is reported in clientInfo.
	ClientVersion string

	EventBuffer int
}

type reply struct {
	msg *jsonrpc.Message
	err error
}

// session is one live transport and its read loop.
type session struct {
	tr       transport.Transport
	oneShot  bool
	closing  bool
	loopDone chan struct{}
}

// Connector manages the connection to one remote server. Requests may be
// issued concurrently; responses are matched by correlation id.
type Connector struct {
	cfg           *config.RemoteServerConfig
	newTransport  TransportFactory
	clientVersion string
	logger        *slog.Logger
	events        chan Event
	nextID        atomic.Int64

	mu          sync.Mutex
	state       State
	sess        *session
	pending     map[int64]chan reply
	tools       []Tool
	toolsLoaded bool
	info        *InitializeResult
	connectedAt time.Time
}

// New creates a disconnected Connector for cfg.
func New(cfg *config.RemoteServerConfig, opts Options) *Connector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.NewTransport
	if factory == nil {
		topts := opts.Transport
		if topts.Logger == nil {
			topts.Logger = logger
		}
		factory = func(cfg *config.RemoteServerConfig) (transport.Transport, error) {
			return transport.New(cfg, topts)
		}
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}

	return &Connector{
		cfg:           cfg,
		newTransport:  factory,
		clientVersion: version,
		logger:        logger.With("component", "connector", "server", cfg.Name),
		events:        make(chan Event, buffer),
		pending:       make(map[int64]chan reply),
	}
}

// Name returns the configured server name.
func (c *Connector) Name() string { return c.cfg.Name }

// Config returns the server config the connector was built from.
func (c *Connector) Config() *config.RemoteServerConfig { return c.cfg }

// Events delivers lifecycle events. Events are dropped when the buffer is full.
func (c *Connector) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connector is ready for requests.
func (c *Connector) IsConnected() bool { return c.State() == StateConnected }

// PendingCount returns the number of requests awaiting a response.
func (c *Connector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ConnectedSince returns when the current connection was established.
func (c *Connector) ConnectedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// ServerInfo returns the initialize result, nil for one-shot transports or
// while disconnected.
func (c *Connector) ServerInfo() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// OneShot reports whether the server is reached over sessionless HTTP.
func (c *Connector) OneShot() bool { return c.cfg.Transport == config.TransportHTTP }

// Connect opens the transport and, unless it is one-shot, performs the
// initialize handshake and caches the tool catalogue. Connecting an already
// connected connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting",
		"transport", string(c.cfg.Transport),
		"url", transport.RedactURL(c.cfg.URL),
	)

	tr, err := c.newTransport(c.cfg)
	if err != nil {
		c.setState(StateDisconnected)
		c.emit(Event{Kind: EventError, Err: err})
		return err
	}
	if err := tr.Start(ctx); err != nil {
		_ = tr.Close()
		c.setState(StateDisconnected)
		err = fmt.Errorf("starting transport: %w", err)
		c.emit(Event{Kind: EventError, Err: err})
		return err
	}

	sess := &session{tr: tr, oneShot: transport.IsOneShot(tr), loopDone: make(chan struct{})}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	go c.readLoop(sess)

	if !sess.oneShot {
		if err := c.handshake(ctx, sess); err != nil {
			c.abort(sess)
			err = fmt.Errorf("handshake: %w", err)
			c.emit(Event{Kind: EventError, Err: err})
			return err
		}
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.state = StateConnected
	c.connectedAt = time.Now()
	tools := len(c.tools)
	c.mu.Unlock()

	c.logger.Info("connected", "tools", tools, "one_shot", sess.oneShot)
	c.emit(Event{Kind: EventConnected})
	return nil
}

func (c *Connector) handshake(ctx context.Context, sess *session) error {
	raw, err := c.call(ctx, sess, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "mcp-relay", "version": c.clientVersion},
	})
	if err != nil {
		return err
	}
	var info InitializeResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}
	if v, ok := sess.tr.(interface{ SetProtocolVersion(string) }); ok && info.ProtocolVersion != "" {
		v.SetProtocolVersion(info.ProtocolVersion)
	}

	note, err := jsonrpc.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := sess.tr.Send(ctx, note); err != nil {
		return fmt.Errorf("sending initialized: %w", err)
	}

	tools, err := c.fetchTools(ctx, sess)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	c.mu.Lock()
	c.info = &info
	c.tools = tools
	c.toolsLoaded = true
	c.mu.Unlock()

	c.logger.Debug("handshake complete",
		"remote", info.ServerInfo.Name,
		"remote_version", info.ServerInfo.Version,
		"protocol_version", info.ProtocolVersion,
	)
	return nil
}

func (c *Connector) fetchTools(ctx context.Context, sess *session) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.call(ctx, sess, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// Disconnect closes the transport and rejects every pending request with
// ErrConnectionClosed. It is idempotent.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	sess.closing = true
	c.detachLocked()
	pending := c.takePendingLocked()
	c.mu.Unlock()

	rejectAll(pending, ErrConnectionClosed)
	err := sess.tr.Close()
	<-sess.loopDone

	c.logger.Info("disconnected")
	c.emit(Event{Kind: EventDisconnected, Expected: true, ExitCode: -1})
	return err
}

// abort tears down a session whose handshake failed, without a disconnect event.
func (c *Connector) abort(sess *session) {
	c.mu.Lock()
	var pending map[int64]chan reply
	if c.sess == sess {
		sess.closing = true
		c.detachLocked()
		pending = c.takePendingLocked()
	}
	c.mu.Unlock()

	rejectAll(pending, ErrConnectionClosed)
	_ = sess.tr.Close()
	<-sess.loopDone
}

func (c *Connector) detachLocked() {
	c.sess = nil
	c.state = StateDisconnected
	c.tools = nil
	c.toolsLoaded = false
	c.info = nil
	c.connectedAt = time.Time{}
}

func (c *Connector) takePendingLocked() map[int64]chan reply {
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	return pending
}

func rejectAll(pending map[int64]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop dispatches inbound envelopes until the transport ends.
func (c *Connector) readLoop(sess *session) {
	defer close(sess.loopDone)
	for msg := range sess.tr.Messages() {
		c.dispatch(sess, msg)
	}
	<-sess.tr.Done()
	c.closed(sess, sess.tr.Err())
}

func (c *Connector) dispatch(sess *session, msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		id, ok := msg.IntID()
		if !ok {
			c.logger.Warn("response with unexpected id", "id", string(msg.ID))
			return
		}
		c.mu.Lock()
		ch, found := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !found {
			c.logger.Debug("response for unknown request", "id", id)
			return
		}
		ch <- reply{msg: msg}

	case jsonrpc.KindNotification:
		switch msg.Method {
		case "notifications/tools/list_changed":
			c.mu.Lock()
			c.toolsLoaded = false
			c.mu.Unlock()
			c.logger.Info("remote tool list changed")
		default:
			c.logger.Debug("notification from remote", "method", msg.Method)
		}

	case jsonrpc.KindRequest:
		go c.answerRemote(sess, msg)
	}
}

// answerRemote handles the few requests a remote may send to its client.
func (c *Connector) answerRemote(sess *session, msg *jsonrpc.Message) {
	var resp *jsonrpc.Message
	switch msg.Method {
	case "ping":
		resp, _ = jsonrpc.NewResult(msg.ID, nil)
	case "roots/list":
		resp, _ = jsonrpc.NewResult(msg.ID, map[string]any{"roots": []any{}})
	default:
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "method not supported by client: "+msg.Method)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
	defer cancel()
	if err := sess.tr.Send(ctx, resp); err != nil {
		c.logger.Debug("failed to answer remote request", "method", msg.Method, "error", err)
	}
}

// closed handles the end of a transport the connector did not close itself.
func (c *Connector) closed(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	expected := sess.closing
	wasConnected := c.state == StateConnected
	c.detachLocked()
	pending := c.takePendingLocked()
	c.mu.Unlock()

	exitCode := -1
	rejectErr := ErrConnectionClosed
	var exit *transport.ExitError
	switch {
	case errors.As(cause, &exit):
		exitCode = exit.Code
		rejectErr = fmt.Errorf("%w with code %d", ErrProcessExited, exit.Code)
	case cause != nil:
		rejectErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	rejectAll(pending, rejectErr)

	// A failed handshake is reported by Connect itself.
	if sess.oneShot || !wasConnected {
		return
	}
	c.logger.Warn("connection lost", "exit_code", exitCode, "error", cause, "pending_rejected", len(pending))
	c.emit(Event{Kind: EventDisconnected, Expected: expected, ExitCode: exitCode, Err: rejectErr})
}

func (c *Connector) emit(ev Event) {
	ev.Server = c.cfg.Name
	ev.Time = time.Now()
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event buffer full, dropping event", "kind", ev.Kind)
	}
}

// Request sends method with params and waits for the matching response, the
// per-server timeout, or ctx. A remote error is returned as *jsonrpc.Error.
func (c *Connector) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()
	if sess == nil || state != StateConnected {
		return nil, ErrNotConnected
	}
	return c.call(ctx, sess, method, params)
}

// Notify sends a notification without waiting for anything.
func (c *Connector) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()
	if sess == nil || state != StateConnected {
		return ErrNotConnected
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return sess.tr.Send(ctx, msg)
}

func (c *Connector) call(ctx context.Context, sess *session, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(jsonrpc.IntID(id), method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	timeout := c.cfg.RequestTimeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sess.tr.Send(reqCtx, msg); err != nil {
		if c.forget(id) {
			if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
			}
			return nil, fmt.Errorf("sending %s: %w", method, err)
		}
		// The connection closed underneath us and already rejected the request.
		return unwrapReply(<-ch)
	}

	select {
	case r := <-ch:
		return unwrapReply(r)
	case <-reqCtx.Done():
		if !c.forget(id) {
			return unwrapReply(<-ch)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	}
}

// forget removes a pending entry and reports whether the caller owned it.
func (c *Connector) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func unwrapReply(r reply) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Error != nil {
		return nil, r.msg.Error
	}
	return r.msg.Result, nil
}

// ListTools returns the cached catalogue, fetching it when the cache is
// empty or the remote announced a change.
func (c *Connector) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	loaded := c.toolsLoaded
	tools := c.tools
	c.mu.Unlock()
	if sess == nil || state != StateConnected {
		return nil, ErrNotConnected
	}
	if loaded {
		return append([]Tool(nil), tools...), nil
	}

	fetched, err := c.fetchTools(ctx, sess)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.sess == sess {
		c.tools = fetched
		c.toolsLoaded = true
	}
	c.mu.Unlock()
	return append([]Tool(nil), fetched...), nil
}

// CachedTools returns the catalogue from the last fetch without contacting the remote.
func (c *Connector) CachedTools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// CallTool invokes tools/call and returns the raw result object.
func (c *Connector) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	} else {
		params["arguments"] = map[string]any{}
	}
	return c.Request(ctx, "tools/call", params)
}
