// ABOUTME: Tests for the MCP HTTP endpoint: handshake, sessions, tool calls and errors.
// ABOUTME: Covers CORS, auth, cancellation, progress streaming and the remote proxy.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/tasks"
)

type greetArgs struct {
	Name string `json:"name"`
}

type countArgs struct {
	Steps int `json:"steps"`
}

// testEnv is a server plus the hooks its procedures call into.
type testEnv struct {
	server  *Server
	handler http.Handler
	tasks   *tasks.Registry

	// onStep, if set, runs inside each count step (0-based index).
	onStep func(i int)

	mu    sync.Mutex
	calls []ToolCallRecord
}

func (e *testEnv) records() []ToolCallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ToolCallRecord(nil), e.calls...)
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{tasks: tasks.NewRegistry()}
	t.Cleanup(env.tasks.Close)

	registry := packs.NewRegistry(slog.Default())
	err := registry.Register("test",
		packs.NewProcedure("greet", "Greets someone", func(ctx context.Context, a greetArgs) (any, error) {
			return "hello, " + a.Name, nil
		}),
		packs.NewProcedure("stats", "Returns a flat object", func(ctx context.Context, _ struct{}) (any, error) {
			return map[string]any{"count": 3, "ok": true}, nil
		}),
		packs.NewProcedure("whoami", "Reports the caller", func(ctx context.Context, _ struct{}) (any, error) {
			return auth.FromContext(ctx).Identity(), nil
		}),
		packs.NewProcedure("explode", "Panics", func(ctx context.Context, _ struct{}) (any, error) {
			panic("kaboom")
		}),
		packs.NewProcedure("failing", "Returns an error", func(ctx context.Context, _ struct{}) (any, error) {
			return nil, errors.New("disk on fire")
		}),
		packs.NewProcedure("count", "Counts steps", func(ctx context.Context, a countArgs) (any, error) {
			report, err := tasks.RunForInvocation(ctx, env.tasks, tasks.Run{
				StartOptions: tasks.StartOptions{Name: "count", TotalSteps: a.Steps},
				Step: func(ctx context.Context, i int) (string, error) {
					if env.onStep != nil {
						env.onStep(i)
					}
					return fmt.Sprintf("step %d", i+1), nil
				},
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"cancelled": report.Cancelled, "steps_completed": report.StepsCompleted}, nil
		}),
	)
	if err != nil {
		t.Fatalf("registering procedures: %v", err)
	}

	cfg := Config{
		Registry: registry,
		Router:   packs.NewRouter(packs.RouterConfig{Registry: registry, Timeout: 5 * time.Second}),
		Tasks:    env.tasks,
		Logger:   slog.Default(),
		OnToolCall: func(rec ToolCallRecord) {
			env.mu.Lock()
			env.calls = append(env.calls, rec)
			env.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&cfg)
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	env.server = server
	env.handler = mux
	return env
}

// post sends a JSON-RPC body to /mcp and returns the recorder.
func (e *testEnv) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// openSession initializes a session and returns its id.
func (e *testEnv) openSession(t *testing.T) string {
	t.Helper()
	rr := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	id := rr.Header().Get("Mcp-Session-Id")
	if id == "" {
		t.Fatalf("initialize failed: %d %s", rr.Code, rr.Body.String())
	}
	return id
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) *jsonrpc.Message {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rr.Code, rr.Body.String())
	}
	var msg jsonrpc.Message
	if err := json.Unmarshal(rr.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return &msg
}

func decodeToolResult(t *testing.T, msg *jsonrpc.Message) CallToolResult {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	var res CallToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	return res
}

func callBody(id int, tool, args string) string {
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, tool, args)
}

func TestInitializeCreatesSession(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ServerName = "relay-test"; c.Version = "1.2.3" })

	rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"tester","version":"0"}}}`, nil)
	msg := decodeResponse(t, rr)

	sessionID := rr.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("expected Mcp-Session-Id header")
	}
	if env.server.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", env.server.SessionCount())
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools map[string]any `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decoding initialize result: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Errorf("protocolVersion = %q, want the client's 2025-03-26", result.ProtocolVersion)
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability")
	}
	if result.ServerInfo.Name != "relay-test" || result.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}

	t.Run("unknown protocol version gets the latest", func(t *testing.T) {
		msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`, nil))
		if !strings.Contains(string(msg.Result), latestProtocolVersion) {
			t.Errorf("result %s does not advertise %s", msg.Result, latestProtocolVersion)
		}
	})

	t.Run("initialized notification is accepted", func(t *testing.T) {
		rr := env.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, map[string]string{"Mcp-Session-Id": sessionID})
		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rr.Code)
		}
	})

	t.Run("session is usable", func(t *testing.T) {
		msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, map[string]string{"Mcp-Session-Id": sessionID}))
		if string(msg.Result) != "{}" {
			t.Errorf("ping result = %s, want {}", msg.Result)
		}
	})

	t.Run("delete ends the session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sessionID)
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("delete status = %d, want 204", rr.Code)
		}

		rr = env.post(t, `{"jsonrpc":"2.0","id":4,"method":"ping"}`, map[string]string{"Mcp-Session-Id": sessionID})
		if rr.Code != http.StatusNotFound {
			t.Errorf("status after delete = %d, want 404", rr.Code)
		}
	})
}

func TestSessionOwnership(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("mcp-test-secret"))
	ada, _ := verifier.Generate("ada", time.Hour)
	bob, _ := verifier.Generate("bob", time.Hour)
	env := newTestEnv(t, func(c *Config) { c.Authenticator = &auth.Authenticator{JWT: verifier} })

	rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, map[string]string{"Authorization": "Bearer " + ada})
	sessionID := rr.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatalf("initialize failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.post(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, map[string]string{
		"Authorization":  "Bearer " + bob,
		"Mcp-Session-Id": sessionID,
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("foreign request status = %d, want 403", rr.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Authorization", "Bearer "+bob)
	del := httptest.NewRecorder()
	env.handler.ServeHTTP(del, req)
	if del.Code != http.StatusForbidden {
		t.Errorf("foreign delete status = %d, want 403", del.Code)
	}

	msg := decodeResponse(t, env.post(t, callBody(3, "whoami", ""), map[string]string{
		"Authorization":  "Bearer " + ada,
		"Mcp-Session-Id": sessionID,
	}))
	if res := decodeToolResult(t, msg); res.Content[0].Text != "ada" {
		t.Errorf("whoami = %q, want ada", res.Content[0].Text)
	}
}

func TestRequestIDReuseWithinSession(t *testing.T) {
	env := newTestEnv(t, nil)

	open := func() string {
		rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
		id := rr.Header().Get("Mcp-Session-Id")
		if id == "" {
			t.Fatal("expected Mcp-Session-Id header")
		}
		return id
	}
	first, second := open(), open()

	ping := `{"jsonrpc":"2.0","id":7,"method":"ping"}`
	if msg := decodeResponse(t, env.post(t, ping, map[string]string{"Mcp-Session-Id": first})); msg.Error != nil {
		t.Fatalf("first ping: %v", msg.Error)
	}

	msg := decodeResponse(t, env.post(t, ping, map[string]string{"Mcp-Session-Id": first}))
	if msg.Error == nil || msg.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("reused id: error = %v, want code %d", msg.Error, jsonrpc.CodeInvalidRequest)
	}
	if string(msg.ID) != "7" {
		t.Errorf("error id = %s, want 7", msg.ID)
	}

	if msg := decodeResponse(t, env.post(t, ping, map[string]string{"Mcp-Session-Id": second})); msg.Error != nil {
		t.Errorf("same id in another session: %v", msg.Error)
	}

	// Stateless callers are not tracked.
	for i := 0; i < 2; i++ {
		if msg := decodeResponse(t, env.post(t, ping, nil)); msg.Error != nil {
			t.Errorf("stateless ping %d: %v", i, msg.Error)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("mcp-test-secret"))
	env := newTestEnv(t, func(c *Config) {
		c.Authenticator = &auth.Authenticator{JWT: verifier, Required: true}
	})

	rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}

	token, _ := verifier.Generate("ada", time.Hour)
	rr = env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{"Authorization": "Bearer " + token})
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Authenticator = &auth.Authenticator{JWT: auth.NewJWTVerifier([]byte("x")), Required: true}
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,mcp-session-id")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code >= 300 {
		t.Fatalf("preflight status = %d, want 2xx", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}

func TestHTTPLevelRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("wrong content type", func(t *testing.T) {
		rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{"Content-Type": "text/plain"})
		if rr.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", rr.Code)
		}
	})

	t.Run("unacceptable accept header", func(t *testing.T) {
		rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{"Accept": "text/html"})
		if rr.Code != http.StatusNotAcceptable {
			t.Errorf("status = %d, want 406", rr.Code)
		}
	})

	t.Run("unsupported protocol version header", func(t *testing.T) {
		rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{"Mcp-Protocol-Version": "1999-01-01"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rr := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{"Mcp-Session-Id": "nope"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("GET is not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})
}

func TestJSONRPCErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{"invalid json", `{not json`, jsonrpc.CodeParseError, "invalid JSON"},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, jsonrpc.CodeInvalidRequest, "invalid JSON-RPC"},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, jsonrpc.CodeMethodNotFound, "method not found"},
		{"unregistered tool", callBody(1, "nope", ""), jsonrpc.CodeInternalError, "tool not found: nope"},
		{"missing tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, jsonrpc.CodeInvalidParams, "tool name is required"},
		{"wrong argument type", callBody(1, "greet", `{"name":42}`), jsonrpc.CodeInternalError, "invalid arguments"},
		{"unknown argument", callBody(1, "greet", `{"name":"ada","extra":true}`), jsonrpc.CodeInternalError, "invalid arguments"},
		{"executor error", callBody(1, "failing", ""), jsonrpc.CodeInternalError, "disk on fire"},
		{"executor panic", callBody(1, "explode", ""), jsonrpc.CodeInternalError, "kaboom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeResponse(t, env.post(t, tt.body, nil))
			if msg.Error == nil {
				t.Fatalf("expected error, got result %s", msg.Result)
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", msg.Error.Code, tt.wantCode)
			}
			if !strings.Contains(msg.Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", msg.Error.Message, tt.wantMsg)
			}
		})
	}

	// The handler keeps serving after a panic.
	msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":9,"method":"ping"}`, nil))
	if msg.Error != nil {
		t.Errorf("ping after panic failed: %v", msg.Error)
	}
}

func TestToolsListAndCall(t *testing.T) {
	env := newTestEnv(t, nil)

	msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil))
	var list ListToolsResult
	if err := json.Unmarshal(msg.Result, &list); err != nil {
		t.Fatalf("decoding tools/list: %v", err)
	}
	if len(list.Tools) != 6 {
		t.Fatalf("expected 6 tools, got %d", len(list.Tools))
	}
	for _, tool := range list.Tools {
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}

	t.Run("string result is one text block", func(t *testing.T) {
		res := decodeToolResult(t, decodeResponse(t, env.post(t, callBody(2, "greet", `{"name":"ada"}`), nil)))
		if len(res.Content) != 1 || res.Content[0].Text != "hello, ada" {
			t.Errorf("content = %+v", res.Content)
		}
	})

	t.Run("flat object gets a summary", func(t *testing.T) {
		res := decodeToolResult(t, decodeResponse(t, env.post(t, callBody(3, "stats", ""), nil)))
		if len(res.Content) != 2 {
			t.Fatalf("content = %+v, want JSON plus summary", res.Content)
		}
		if !strings.Contains(res.Content[0].Text, "\n  \"count\": 3") {
			t.Errorf("first block is not indented JSON: %q", res.Content[0].Text)
		}
		if res.Content[1].Text != "count: 3\nok: true" {
			t.Errorf("summary = %q", res.Content[1].Text)
		}
	})

	t.Run("anonymous identity reaches the procedure", func(t *testing.T) {
		res := decodeToolResult(t, decodeResponse(t, env.post(t, callBody(4, "whoami", ""), nil)))
		if res.Content[0].Text != "anonymous" {
			t.Errorf("whoami = %q", res.Content[0].Text)
		}
	})

	records := env.records()
	if len(records) != 3 {
		t.Fatalf("recorded %d tool calls, want 3", len(records))
	}
	if records[0].Tool != "greet" || records[0].IsError || records[0].Server != "" {
		t.Errorf("first record = %+v", records[0])
	}
}

func TestCancellationStopsTaskAfterThirdStep(t *testing.T) {
	env := newTestEnv(t, nil)
	reached := make(chan struct{})
	proceed := make(chan struct{})
	var executed []int
	env.onStep = func(i int) {
		executed = append(executed, i+1)
		if i+1 == 3 {
			close(reached)
			<-proceed
		}
	}

	sess := map[string]string{"Mcp-Session-Id": env.openSession(t)}
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.post(t, callBody(7, "count", `{"steps":10}`), sess) }()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached step 3")
	}

	if running := env.tasks.List(); len(running) != 1 || running[0].ID != sess["Mcp-Session-Id"]+"/7" {
		t.Fatalf("running tasks = %+v", running)
	}

	rr := env.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"user"}}`, sess)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", rr.Code)
	}
	close(proceed)

	var resp *httptest.ResponseRecorder
	select {
	case resp = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never returned")
	}

	res := decodeToolResult(t, decodeResponse(t, resp))
	summary := res.Content[len(res.Content)-1].Text
	if !strings.Contains(summary, "cancelled: true") || !strings.Contains(summary, "steps_completed: 3") {
		t.Errorf("summary = %q", summary)
	}
	if len(executed) != 3 {
		t.Errorf("executed steps %v, want exactly 3", executed)
	}
	if len(env.tasks.List()) != 0 {
		t.Error("task was not removed after cancellation")
	}
}

func TestStatelessCallersDoNotShareRequestIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	reached := make(chan struct{})
	proceed := make(chan struct{})
	env.onStep = func(i int) {
		if i+1 == 3 {
			close(reached)
			<-proceed
		}
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- env.post(t, callBody(1, "count", `{"steps":5}`), nil) }()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never reached step 3")
	}

	// A second client reusing id 1 runs its own task.
	res := decodeToolResult(t, decodeResponse(t, env.post(t, callBody(1, "count", `{"steps":1}`), nil)))
	if summary := res.Content[len(res.Content)-1].Text; !strings.Contains(summary, "steps_completed: 1") {
		t.Errorf("second call summary = %q", summary)
	}

	// Its cancellation cannot reach the first client's task.
	if rr := env.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", rr.Code)
	}
	close(proceed)

	select {
	case rr := <-first:
		res := decodeToolResult(t, decodeResponse(t, rr))
		summary := res.Content[len(res.Content)-1].Text
		if !strings.Contains(summary, "cancelled: false") || !strings.Contains(summary, "steps_completed: 5") {
			t.Errorf("first call summary = %q", summary)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first call never returned")
	}
}

func TestCancelledAsRequestIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":5,"method":"notifications/cancelled","params":{"requestId":99}}`, nil))
	if msg.Error != nil || string(msg.Result) != "{}" {
		t.Errorf("response = %+v", msg)
	}
}

func TestProgressIsStreamedAsEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"count","arguments":{"steps":3},"_meta":{"progressToken":"p-1"}}}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	var progress []float64
	var final *jsonrpc.Message
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			t.Fatalf("reading events: %v", err)
		}
		msg, err := jsonrpc.Decode([]byte(ev.Data))
		if err != nil {
			t.Fatalf("decoding event %q: %v", ev.Data, err)
		}
		if msg.Method == "notifications/progress" {
			var p struct {
				ProgressToken string  `json:"progressToken"`
				Progress      float64 `json:"progress"`
				Total         float64 `json:"total"`
			}
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				t.Fatalf("decoding progress: %v", err)
			}
			if p.ProgressToken != "p-1" || p.Total != 3 {
				t.Errorf("progress params = %+v", p)
			}
			progress = append(progress, p.Progress)
			continue
		}
		final = msg
	}

	if len(progress) != 3 || progress[2] != 3 {
		t.Errorf("progress = %v, want [1 2 3]", progress)
	}
	if final == nil || final.Error != nil || string(final.ID) != "11" {
		t.Fatalf("final message = %+v", final)
	}
}

func TestProgressWithoutEventStreamStaysJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"count","arguments":{"steps":2},"_meta":{"progressToken":1}}}`
	rr := env.post(t, body, map[string]string{"Accept": "application/json"})
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	decodeToolResult(t, decodeResponse(t, rr))
}

// fakeRemote serves a two-tool catalogue from server "alpha".
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	hung  chan struct{}
}

func (f *fakeRemote) ListAllTools(context.Context) []manager.Tool {
	return []manager.Tool{
		{Name: "alpha__echo", OriginalName: "echo", Server: "alpha", Description: "Echo"},
		{Name: "alpha__broken", OriginalName: "broken", Server: "alpha"},
		{Name: "alpha__hang", OriginalName: "hang", Server: "alpha"},
		{Name: "greet", OriginalName: "greet", Server: "alpha"},
	}
}

func (f *fakeRemote) ResolveTool(_ context.Context, name string) (string, string, error) {
	server, tool, ok := strings.Cut(name, "__")
	if !ok || server != "alpha" {
		return "", "", manager.ErrUnknownTool
	}
	return server, tool, nil
}

func (f *fakeRemote) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, server+"/"+tool+" "+string(args))
	f.mu.Unlock()
	switch tool {
	case "broken":
		return nil, &jsonrpc.Error{Code: -32001, Message: "remote says no"}
	case "hang":
		close(f.hung)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"from alpha"}],"isError":false}`), nil
}

func TestRemoteToolsAreProxied(t *testing.T) {
	remote := &fakeRemote{hung: make(chan struct{})}
	env := newTestEnv(t, func(c *Config) {
		c.Remote = remote
		c.ExposeRemoteTools = true
	})

	msg := decodeResponse(t, env.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil))
	var list ListToolsResult
	if err := json.Unmarshal(msg.Result, &list); err != nil {
		t.Fatalf("decoding tools/list: %v", err)
	}
	names := make(map[string]int)
	for _, tool := range list.Tools {
		names[tool.Name]++
	}
	if names["alpha__echo"] != 1 || names["greet"] != 1 || len(list.Tools) != 9 {
		t.Errorf("tools = %v", names)
	}

	t.Run("result passes through", func(t *testing.T) {
		msg := decodeResponse(t, env.post(t, callBody(2, "alpha__echo", `{"text":"hi"}`), nil))
		if string(msg.Result) != `{"content":[{"type":"text","text":"from alpha"}],"isError":false}` {
			t.Errorf("result = %s", msg.Result)
		}
		remote.mu.Lock()
		defer remote.mu.Unlock()
		if len(remote.calls) != 1 || remote.calls[0] != `alpha/echo {"text":"hi"}` {
			t.Errorf("remote calls = %v", remote.calls)
		}
	})

	t.Run("remote error code is kept", func(t *testing.T) {
		msg := decodeResponse(t, env.post(t, callBody(3, "alpha__broken", ""), nil))
		if msg.Error == nil || msg.Error.Code != -32001 {
			t.Errorf("error = %+v", msg.Error)
		}
	})

	t.Run("procedures shadow remote names", func(t *testing.T) {
		res := decodeToolResult(t, decodeResponse(t, env.post(t, callBody(4, "greet", `{"name":"bo"}`), nil)))
		if res.Content[0].Text != "hello, bo" {
			t.Errorf("greet = %q", res.Content[0].Text)
		}
	})

	t.Run("cancellation aborts the remote call", func(t *testing.T) {
		sess := map[string]string{"Mcp-Session-Id": env.openSession(t)}
		done := make(chan *httptest.ResponseRecorder, 1)
		go func() { done <- env.post(t, callBody(5, "alpha__hang", ""), sess) }()
		select {
		case <-remote.hung:
		case <-time.After(5 * time.Second):
			t.Fatal("remote call never started")
		}
		env.post(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5}}`, sess)

		select {
		case rr := <-done:
			msg := decodeResponse(t, rr)
			if msg.Error == nil || msg.Error.Message != "request cancelled" {
				t.Errorf("response = %+v", msg.Error)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("cancelled remote call never returned")
		}
	})

	var servers []string
	for _, rec := range env.records() {
		servers = append(servers, rec.Server)
	}
	if strings.Join(servers, ",") != "alpha,alpha,,alpha" {
		t.Errorf("recorded servers = %v", servers)
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	registry := packs.NewRegistry(nil)
	router := packs.NewRouter(packs.RouterConfig{Registry: registry})
	reg := tasks.NewRegistry()
	defer reg.Close()

	if _, err := NewServer(Config{Router: router, Tasks: reg}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewServer(Config{Registry: registry, Tasks: reg}); err == nil {
		t.Error("expected error without router")
	}
	if _, err := NewServer(Config{Registry: registry, Router: router}); err == nil {
		t.Error("expected error without task registry")
	}
	if _, err := NewServer(Config{Registry: registry, Router: router, Tasks: reg, ExposeRemoteTools: true}); err == nil {
		t.Error("expected error exposing remote tools without a source")
	}
}
