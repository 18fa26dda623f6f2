// ABOUTME: Tests for the remote connector over real child processes and httptest servers.
// ABOUTME: Covers handshake, reconnect, pending rejection, timeouts, exits and one-shot HTTP.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/mcptest"
	"github.com/2389/mcp-relay/internal/transport"
)

// TestHelperProcess is not a real test. It serves MCP on stdio when the test
// binary is launched by processConfig.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MCP_RELAY_HELPER_PROCESS") != "1" {
		return
	}
	err := (&mcptest.Server{Name: "helper"}).ServeStdio(os.Stdin, os.Stdout)
	var exit *mcptest.ExitRequest
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	os.Exit(0)
}

func processConfig(name string) *config.RemoteServerConfig {
	return &config.RemoteServerConfig{
		Name:      name,
		Transport: config.TransportPython,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^TestHelperProcess$", "--"},
		Env:       map[string]string{"MCP_RELAY_HELPER_PROCESS": "1"},
	}
}

func connected(t *testing.T, cfg *config.RemoteServerConfig) *Connector {
	t.Helper()
	c := New(cfg, Options{})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitEvent(t *testing.T, c *Connector, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func echoArgs(text string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"text": text})
	return data
}

func toolText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text
}

func TestConnectPerformsHandshake(t *testing.T) {
	c := connected(t, processConfig("py"))

	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	require.NotNil(t, c.ServerInfo())
	assert.Equal(t, "helper", c.ServerInfo().ServerInfo.Name)
	assert.Equal(t, mcptest.ProtocolVersion, c.ServerInfo().ProtocolVersion)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "echo")

	ev := waitEvent(t, c, EventConnected)
	assert.Equal(t, "py", ev.Server)

	// connecting again is a no-op
	assert.NoError(t, c.Connect(context.Background()))
}

func TestCallTool(t *testing.T) {
	c := connected(t, processConfig("py"))

	raw, err := c.CallTool(context.Background(), "echo", echoArgs("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", toolText(t, raw))
}

func TestRemoteErrorIsReturnedAsJSONRPCError(t *testing.T) {
	c := connected(t, processConfig("py"))

	_, err := c.CallTool(context.Background(), "fail", nil)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr), "want *jsonrpc.Error, got %v", err)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.True(t, c.IsConnected())
}

func TestDisconnectThenConnectRestoresState(t *testing.T) {
	c := connected(t, processConfig("py"))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.PendingCount())
	ev := waitEvent(t, c, EventDisconnected)
	assert.True(t, ev.Expected)

	// idempotent
	require.NoError(t, c.Disconnect())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Zero(t, c.PendingCount())

	raw, err := c.CallTool(context.Background(), "echo", echoArgs("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", toolText(t, raw))
}

func TestDisconnectRejectsEveryPendingRequestOnce(t *testing.T) {
	c := connected(t, processConfig("py"))

	const n = 3
	errs := make(chan error, n*2)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CallTool(context.Background(), "silent", nil)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return c.PendingCount() == n }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Disconnect())
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		count++
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, n, count)
	assert.Zero(t, c.PendingCount())
}

func TestRequestTimeoutLeavesConnectionUsable(t *testing.T) {
	cfg := processConfig("py")
	cfg.Timeout = 50 * time.Millisecond
	c := connected(t, cfg)

	start := time.Now()
	_, err := c.CallTool(context.Background(), "silent", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, c.PendingCount())

	raw, err := c.CallTool(context.Background(), "echo", echoArgs("still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", toolText(t, raw))
}

func TestRequestTimeoutWhenServerStopsReading(t *testing.T) {
	cfg := processConfig("py")
	cfg.Timeout = 200 * time.Millisecond
	c := connected(t, cfg)

	// hang runs inline in the helper, so its stdin is no longer drained.
	hung := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "hang", nil)
		hung <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err := c.CallTool(context.Background(), "echo", echoArgs(strings.Repeat("x", 4<<20)))
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	_, err = c.CallTool(context.Background(), "echo", echoArgs("small"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-hung:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hang call never returned")
	}

	ev := waitEvent(t, c, EventDisconnected)
	assert.False(t, ev.Expected)
}

func TestContextCancellation(t *testing.T) {
	c := connected(t, processConfig("py"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.CallTool(ctx, "silent", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.PendingCount())
}

func TestSlowResponseDoesNotBlockOthers(t *testing.T) {
	c := connected(t, processConfig("py"))

	slowDone := make(chan time.Time, 1)
	go func() {
		args, _ := json.Marshal(map[string]any{"ms": 300, "text": "slow"})
		_, _ = c.CallTool(context.Background(), "slow", args)
		slowDone <- time.Now()
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := c.CallTool(context.Background(), "echo", echoArgs("fast"))
	require.NoError(t, err)
	fastAt := time.Now()

	slowAt := <-slowDone
	assert.True(t, fastAt.Before(slowAt), "fast call should finish before the slow one")
}

func TestProcessExitRejectsPendingWithExitCode(t *testing.T) {
	c := connected(t, processConfig("py"))
	waitEvent(t, c, EventConnected)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "silent", nil)
		pendingErr <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	args, _ := json.Marshal(map[string]int{"code": 4})
	_, err := c.CallTool(context.Background(), "exit", args)
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.ErrorIs(t, <-pendingErr, ErrProcessExited)

	ev := waitEvent(t, c, EventDisconnected)
	assert.False(t, ev.Expected)
	assert.Equal(t, 4, ev.ExitCode)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRequestWhileDisconnected(t *testing.T) {
	c := New(processConfig("py"), Options{})

	_, err := c.Request(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Notify(context.Background(), "notifications/progress", nil), ErrNotConnected)
}

func TestOneShotHTTPSkipsHandshake(t *testing.T) {
	mcp := &mcptest.Server{}
	srv := httptest.NewServer(mcp)
	defer srv.Close()

	c := connected(t, &config.RemoteServerConfig{Name: "web", Transport: config.TransportHTTP, URL: srv.URL})
	assert.True(t, c.OneShot())
	assert.False(t, mcp.Initialized.Load())
	assert.Nil(t, c.ServerInfo())

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tools)

	raw, err := c.CallTool(context.Background(), "echo", echoArgs("over http"))
	require.NoError(t, err)
	assert.Equal(t, "over http", toolText(t, raw))
	assert.Equal(t, int64(1), mcp.Calls.Load())
}

func TestStreamingHTTPSession(t *testing.T) {
	mcp := &mcptest.Server{Streaming: true, SSE: true}
	srv := httptest.NewServer(mcp)
	defer srv.Close()

	c := New(&config.RemoteServerConfig{Name: "stream", Transport: config.TransportStreamingHTTP, URL: srv.URL}, Options{})
	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, mcp.Initialized.Load())
	assert.Equal(t, 1, mcp.SessionCount())

	raw, err := c.CallTool(context.Background(), "echo", echoArgs("sse"))
	require.NoError(t, err)
	assert.Equal(t, "sse", toolText(t, raw))

	require.NoError(t, c.Disconnect())
	assert.Zero(t, mcp.SessionCount())
}

func TestStreamingSessionExpiryDisconnects(t *testing.T) {
	mcp := &mcptest.Server{Streaming: true}
	srv := httptest.NewServer(mcp)
	defer srv.Close()

	c := connected(t, &config.RemoteServerConfig{Name: "stream", Transport: config.TransportStreamingHTTP, URL: srv.URL})
	waitEvent(t, c, EventConnected)

	mcp.ExpireSessions()
	_, err := c.CallTool(context.Background(), "echo", echoArgs("x"))
	require.Error(t, err)

	ev := waitEvent(t, c, EventDisconnected)
	assert.False(t, ev.Expected)
	assert.ErrorIs(t, ev.Err, transport.ErrSessionExpired)
	assert.False(t, c.IsConnected())
}

func TestTransportFactoryErrorIsReported(t *testing.T) {
	cfgErr := &config.ValidationError{Server: "bad", Field: "container", Reason: "is required"}
	c := New(&config.RemoteServerConfig{Name: "bad", Transport: config.TransportContainer}, Options{
		NewTransport: func(*config.RemoteServerConfig) (transport.Transport, error) { return nil, cfgErr },
	})

	err := c.Connect(context.Background())
	var ve *config.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, StateDisconnected, c.State())

	ev := waitEvent(t, c, EventError)
	assert.ErrorIs(t, ev.Err, cfgErr)
}

func TestHandshakeFailureLeavesDisconnected(t *testing.T) {
	cfg := processConfig("py")
	cfg.Env = nil // without the marker the helper exits instead of serving
	cfg.Timeout = 200 * time.Millisecond

	c := New(cfg, Options{})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.PendingCount())
}
