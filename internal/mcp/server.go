// ABOUTME: MCP-compatible HTTP endpoint exposing the relay's tool surface to callers.
// ABOUTME: Implements Streamable HTTP POST/DELETE with sessions, CORS and JSON-RPC dispatch.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/dedupe"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/tasks"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise when the client asks for one we don't know
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Request ids are remembered per session for this long. Reusing one inside
// the window is rejected as an invalid request.
const (
	requestIDWindow  = 10 * time.Minute
	maxRememberedIDs = 50000
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// RemoteTools is the slice of the connector manager the gateway proxies to.
type RemoteTools interface {
	ListAllTools(ctx context.Context) []manager.Tool
	ResolveTool(ctx context.Context, name string) (server, tool string, err error)
	CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error)
}

// ToolCallRecord describes one finished tools/call for journaling.
type ToolCallRecord struct {
	SessionID string
	Identity  string
	Tool      string
	Server    string // empty for in-process procedures
	IsError   bool
	Error     string
	Duration  time.Duration
	Time      time.Time
}

// session tracks an initialized MCP client.
type session struct {
	id              string
	protocolVersion string
	clientName      string
	owner           string // identity that created the session
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create(protocolVersion, clientName, owner string) *session {
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		clientName:      clientName,
		owner:           owner,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *sessionStore) clear() {
	s.mu.Lock()
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry *packs.Registry
	Router   *packs.Router
	Tasks    *tasks.Registry
	Logger   *slog.Logger

	// Remote, when set with ExposeRemoteTools, adds the aggregated remote
	// catalogue to tools/list and forwards calls for its names.
	Remote            RemoteTools
	ExposeRemoteTools bool

	// Authenticator guards the endpoint; nil admits everyone as anonymous.
	Authenticator *auth.Authenticator

	// Path is where RegisterRoutes mounts the endpoint (default /mcp).
	Path           string
	ServerName     string
	Version        string
	AllowedOrigins []string

	// OnToolCall, if set, is called after every tools/call.
	OnToolCall func(ToolCallRecord)
}

// Server implements MCP-compatible HTTP endpoints for external callers.
type Server struct {
	registry   *packs.Registry
	router     *packs.Router
	tasks      *tasks.Registry
	remote     RemoteTools
	exposeRem  bool
	authn      *auth.Authenticator
	logger     *slog.Logger
	path       string
	name       string
	version    string
	origins    []string
	onToolCall func(ToolCallRecord)

	sessions   *sessionStore
	requestIDs *dedupe.Cache

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("task registry is required")
	}
	if cfg.ExposeRemoteTools && cfg.Remote == nil {
		return nil, errors.New("remote tools required when exposing remote tools")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/mcp"
	}
	name := cfg.ServerName
	if name == "" {
		name = "mcp-relay"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Server{
		registry:   cfg.Registry,
		router:     cfg.Router,
		tasks:      cfg.Tasks,
		remote:     cfg.Remote,
		exposeRem:  cfg.ExposeRemoteTools,
		authn:      cfg.Authenticator,
		logger:     logger.With("component", "mcp"),
		path:       path,
		name:       name,
		version:    version,
		origins:    origins,
		onToolCall: cfg.OnToolCall,
		sessions:   newSessionStore(),
		requestIDs: dedupe.New(requestIDWindow, maxRememberedIDs),
		inflight:   make(map[string]context.CancelFunc),
	}, nil
}

// RegisterRoutes mounts Handler on mux at the configured path.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(s.path, s.Handler())
}

// Handler returns the endpoint wrapped in CORS handling and authentication.
// Preflight requests are answered before authentication runs.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.handleMCP)
	if s.authn != nil {
		h = s.authn.Middleware(h)
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type", "Accept", "Authorization", auth.HeaderAPIKey,
			headerSessionID, headerProtocolVersion, "Last-Event-ID",
		},
		ExposedHeaders:   []string{headerSessionID},
		AllowCredentials: false,
		MaxAge:           600,
	}).Handler(h)
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.len() }

// Close drops every session and cancels in-flight remote calls.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	s.sessions.clear()
	s.requestIDs.Close()
	return nil
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the identity that created the
// session may end it.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.owner != auth.FromContext(r.Context()).Identity() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.requestIDs.Forget(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// call is one inbound request being dispatched.
type call struct {
	session  *session
	identity string
	msg      *jsonrpc.Message
	stream   *progressStream

	// stateless scopes a request that carries no session. Two such
	// requests never share it, so their ids cannot collide.
	stateless string
}

// scope namespaces request ids so two sessions using the same id don't collide.
func (c *call) scope() string {
	if c.session != nil {
		return c.session.id
	}
	return "stateless:" + c.stateless
}

func (c *call) taskID(id json.RawMessage) string {
	return c.scope() + "/" + strings.TrimSpace(string(id))
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "Unsupported Media Type: content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err != nil {
			http.Error(w, "Not Acceptable: accept application/json or text/event-stream", http.StatusNotAcceptable)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, jsonrpc.CodeParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, jsonrpc.CodeInvalidRequest, "request body too large")
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrParse) {
			s.sendJSONRPCError(w, nil, jsonrpc.CodeParseError, "invalid JSON")
		} else {
			var probe struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.Unmarshal(body, &probe)
			s.sendJSONRPCError(w, probe.ID, jsonrpc.CodeInvalidRequest, "invalid JSON-RPC envelope")
		}
		return
	}
	if msg.Kind() == jsonrpc.KindResponse {
		// Replies to server-initiated requests; we never send any.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	isInitialize := msg.Method == "initialize"
	if pv := r.Header.Get(headerProtocolVersion); !isInitialize && pv != "" && !supportedProtocolVersions[pv] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if auth.FromContext(ctx) == nil {
		ctx = auth.WithAuth(ctx, &auth.AuthContext{Method: auth.MethodAnonymous})
	}
	c := &call{identity: auth.FromContext(ctx).Identity(), msg: msg, stateless: uuid.NewString()}

	// Requests without a session header are served statelessly; an unknown
	// session means the client must re-initialize.
	if sessionID := r.Header.Get(headerSessionID); sessionID != "" && !isInitialize {
		sess, ok := s.sessions.get(sessionID)
		if !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if sess.owner != c.identity {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		c.session = sess
	}

	s.logger.Debug("MCP request",
		"method", msg.Method,
		"kind", msg.Kind().String(),
		"identity", c.identity,
	)

	if c.session != nil && msg.Kind() == jsonrpc.KindRequest &&
		s.requestIDs.Seen(c.session.id, strings.TrimSpace(string(msg.ID))) {
		s.sendJSONRPCError(w, msg.ID, jsonrpc.CodeInvalidRequest, "request id already used in this session")
		return
	}

	if msg.Kind() == jsonrpc.KindNotification {
		s.handleNotification(c)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if isInitialize {
		s.handleInitialize(w, c)
		return
	}

	if msg.Method == "tools/call" && wantsProgress(msg.Params) && acceptsEventStream(r) {
		stream, err := openProgressStream(w, r)
		if err != nil {
			s.logger.Warn("failed to open event stream", "error", err)
			s.sendJSONRPCError(w, msg.ID, jsonrpc.CodeInternalError, "failed to open event stream")
			return
		}
		c.stream = stream
		resp := s.dispatch(ctx, c)
		if err := stream.finish(resp); err != nil {
			s.logger.Debug("event stream closed before response", "error", err)
		}
		return
	}

	s.writeMessage(w, s.dispatch(ctx, c))
}

// dispatch routes a request to its handler. A panic anywhere below becomes an
// internal-error response.
func (s *Server) dispatch(ctx context.Context, c *call) (resp *jsonrpc.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("dispatch panicked",
				"method", c.msg.Method,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			resp = jsonrpc.NewErrorResponse(c.msg.ID, jsonrpc.CodeInternalError, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	var result any
	var err error
	switch c.msg.Method {
	case "ping":
		result = struct{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, c)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, c)
	case "notifications/cancelled":
		// Some clients send cancellation as a request; acknowledge it.
		s.handleNotification(c)
		result = struct{}{}
	default:
		return jsonrpc.NewErrorResponse(c.msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+c.msg.Method)
	}
	if err != nil {
		return errorResponse(c.msg.ID, err)
	}

	out, err := jsonrpc.NewResult(c.msg.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(c.msg.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return out
}

// rpcError carries a JSON-RPC code out of a handler.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func errorResponse(id json.RawMessage, err error) *jsonrpc.Message {
	var re *rpcError
	if errors.As(err, &re) {
		return jsonrpc.NewErrorResponse(id, re.code, re.message)
	}
	var remote *jsonrpc.Error
	if errors.As(err, &remote) {
		resp := jsonrpc.NewErrorResponse(id, remote.Code, remote.Message)
		resp.Error.Data = remote.Data
		return resp
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error())
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// handleInitialize answers the handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, c *call) {
	var params initializeParams
	if len(c.msg.Params) > 0 {
		if err := json.Unmarshal(c.msg.Params, &params); err != nil {
			s.sendJSONRPCError(w, c.msg.ID, jsonrpc.CodeInvalidParams, "invalid initialize params")
			return
		}
	}

	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := s.sessions.create(version, params.ClientInfo.Name, c.identity)
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", version,
		"client", params.ClientInfo.Name,
		"identity", c.identity,
	)

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set(headerSessionID, sess.id)

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	}
	s.sendJSONRPCResult(w, c.msg.ID, result)
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// handleNotification applies client notifications. Only cancellation has an effect.
func (s *Server) handleNotification(c *call) {
	switch c.msg.Method {
	case "notifications/initialized":
		s.logger.Debug("client initialized", "identity", c.identity)
	case "notifications/cancelled":
		var params cancelledParams
		if err := json.Unmarshal(c.msg.Params, &params); err != nil || len(params.RequestID) == 0 {
			s.logger.Debug("ignoring malformed cancellation", "error", err)
			return
		}
		s.cancel(c.taskID(params.RequestID), params.Reason)
	default:
		if !strings.HasPrefix(c.msg.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", c.msg.Method)
		}
	}
}

// cancel marks the task cancelled and aborts an in-flight remote call.
func (s *Server) cancel(taskID, reason string) {
	marked := s.tasks.Cancel(taskID) == nil

	s.mu.Lock()
	abort, remote := s.inflight[taskID]
	s.mu.Unlock()
	if remote {
		abort()
	}

	s.logger.Info("cancellation requested",
		"task_id", taskID,
		"reason", reason,
		"task_found", marked,
		"remote_aborted", remote,
	)
}

// trackRemote registers the cancel func of a forwarded call. The returned
// func unregisters it.
func (s *Server) trackRemote(taskID string, cancel context.CancelFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server closed")
	}
	if _, exists := s.inflight[taskID]; exists {
		return nil, &rpcError{code: jsonrpc.CodeInvalidRequest, message: "duplicate request id"}
	}
	s.inflight[taskID] = cancel
	return func() {
		s.mu.Lock()
		delete(s.inflight, taskID)
		s.mu.Unlock()
	}, nil
}

// writeMessage writes a response envelope as a JSON body.
func (s *Server) writeMessage(w http.ResponseWriter, msg *jsonrpc.Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	msg, err := jsonrpc.NewResult(id, result)
	if err != nil {
		s.sendJSONRPCError(w, id, jsonrpc.CodeInternalError, err.Error())
		return
	}
	s.writeMessage(w, msg)
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.writeMessage(w, jsonrpc.NewErrorResponse(id, code, message))
}
