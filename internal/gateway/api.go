// ABOUTME: HTTP API for inspecting and controlling the relay
// ABOUTME: Servers, tools, tasks, journal listings and the live event stream

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/store"
	"github.com/2389/mcp-relay/internal/tasks"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	eventsMediaTypes     = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

// ServersResponse is the body of GET /api/servers.
type ServersResponse struct {
	Servers []manager.ServerStatus `json:"servers"`
	Count   int                    `json:"count"`
}

// ToolsResponse is the body of GET /api/tools.
type ToolsResponse struct {
	Procedures []string       `json:"procedures"`
	Tools      []manager.Tool `json:"tools"`
	Count      int            `json:"count"`
}

// TasksResponse is the body of GET /api/tasks.
type TasksResponse struct {
	Tasks []tasks.Task `json:"tasks"`
	Count int          `json:"count"`
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []*store.ServerEvent `json:"events"`
	Count  int                  `json:"count"`
}

// ToolCallsResponse is the body of GET /api/tool-calls.
type ToolCallsResponse struct {
	Calls []*store.ToolCall `json:"calls"`
	Count int               `json:"count"`
}

// registerAPIRoutes registers the API and status routes behind the authenticator.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authn := g.authn.Middleware
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("GET /api/servers", authn(http.HandlerFunc(g.handleListServers)))
	mux.Handle("POST /api/servers/{name}/connect", admin(g.handleConnectServer))
	mux.Handle("POST /api/servers/{name}/disconnect", admin(g.handleDisconnectServer))
	mux.Handle("GET /api/tools", authn(http.HandlerFunc(g.handleListTools)))
	mux.Handle("GET /api/tasks", authn(http.HandlerFunc(g.handleListTasks)))
	mux.Handle("GET /api/events", authn(http.HandlerFunc(g.handleEvents)))
	mux.Handle("GET /api/tool-calls", admin(g.handleListToolCalls))
	mux.Handle("GET /status", authn(http.HandlerFunc(g.handleStatus)))
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	statuses := g.manager.Statuses()
	writeJSON(w, http.StatusOK, ServersResponse{Servers: statuses, Count: len(statuses)})
}

func (g *Gateway) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.manager.Connect(r.Context(), name); err != nil {
		g.sendServerError(w, name, err)
		return
	}
	g.logger.Info("server connected via API", "server", name, "by", auth.FromContext(r.Context()).Identity())
	status, _ := g.manager.Status(name)
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.manager.Disconnect(name); err != nil {
		g.sendServerError(w, name, err)
		return
	}
	g.logger.Info("server disconnected via API", "server", name, "by", auth.FromContext(r.Context()).Identity())
	status, _ := g.manager.Status(name)
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) sendServerError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, manager.ErrUnknownServer) {
		g.sendJSONError(w, http.StatusNotFound, "unknown server: "+name)
		return
	}
	g.logger.Warn("server control failed", "server", name, "error", err)
	g.sendJSONError(w, http.StatusBadGateway, err.Error())
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	procs := g.packRegistry.List()
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name)
	}
	sort.Strings(names)

	tools := g.manager.ListAllTools(r.Context())
	if tools == nil {
		tools = []manager.Tool{}
	}
	writeJSON(w, http.StatusOK, ToolsResponse{Procedures: names, Tools: tools, Count: len(names) + len(tools)})
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	running := g.tasks.List()
	if running == nil {
		running = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: running, Count: len(running)})
}

// handleEvents lists journaled server events, or streams live journal events
// as SSE when the client prefers text/event-stream.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	accepted, _, err := contenttype.GetAcceptableMediaType(r, eventsMediaTypes)
	if err != nil {
		g.sendJSONError(w, http.StatusNotAcceptable, "accept application/json or text/event-stream")
		return
	}
	if accepted.Matches(eventStreamMediaType) {
		g.streamEvents(w, r)
		return
	}

	if g.journal == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	filter := store.ServerEventFilter{Server: q.Get("server")}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	events, err := g.journal.ListServerEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing server events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*store.ServerEvent{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

// streamEvents pushes broadcaster events until the client goes away. The
// optional server query parameter narrows the stream to one remote server.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch := g.broadcaster.Subscribe(r.Context())
	if err := sess.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if server != "" && ev.serverName() != server {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			msg := &sse.Message{Type: sse.Type(ev.Kind)}
			msg.AppendData(string(data))
			if err := sess.Send(msg); err != nil {
				g.logger.Debug("event stream closed", "error", err)
				return
			}
			if err := sess.Flush(); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	if g.journal == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	calls, err := g.journal.ListToolCalls(r.Context(), store.ToolCallFilter{
		Tool:     q.Get("tool"),
		Server:   q.Get("server"),
		Identity: q.Get("identity"),
		Limit:    limit,
	})
	if err != nil {
		g.logger.Error("listing tool calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list tool calls")
		return
	}
	if calls == nil {
		calls = []*store.ToolCall{}
	}
	writeJSON(w, http.StatusOK, ToolCallsResponse{Calls: calls, Count: len(calls)})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes {"error": message} with the given status.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
