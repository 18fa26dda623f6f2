// ABOUTME: Tests for the one-shot HTTP transport against an httptest MCP server.
// ABOUTME: Covers JSON and SSE replies, HTTP failures as error responses and auth headers.

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/mcptest"
)

func echoCall(t *testing.T, id int64, text string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.IntID(id), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": text},
	})
	require.NoError(t, err)
	return msg
}

func TestHTTPJSONReply(t *testing.T) {
	srv := httptest.NewServer(&mcptest.Server{})
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	assert.True(t, IsOneShot(h))

	require.NoError(t, h.Send(context.Background(), echoCall(t, 4, "plain json")))
	resp := receive(t, h)
	id, _ := resp.IntID()
	assert.Equal(t, int64(4), id)
	assert.Contains(t, string(resp.Result), "plain json")
}

func TestHTTPSSEReply(t *testing.T) {
	srv := httptest.NewServer(&mcptest.Server{SSE: true})
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	require.NoError(t, h.Send(context.Background(), echoCall(t, 5, "over sse")))
	resp := receive(t, h)
	assert.Contains(t, string(resp.Result), "over sse")
}

func TestHTTPErrorStatusBecomesErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	require.NoError(t, h.Send(context.Background(), echoCall(t, 6, "x")))
	resp := receive(t, h)

	id, _ := resp.IntID()
	assert.Equal(t, int64(6), id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "HTTP 502")
	assert.Contains(t, resp.Error.Message, "upstream exploded")
}

func TestHTTPErrorStatusForNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	note, err := jsonrpc.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.Error(t, h.Send(context.Background(), note))
}

func TestHTTPBatchReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"jsonrpc":"2.0","id":1,"result":{}},{"jsonrpc":"2.0","id":2,"result":{}}]`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	require.NoError(t, h.Send(context.Background(), echoCall(t, 1, "x")))
	first := receive(t, h)
	second := receive(t, h)
	a, _ := first.IntID()
	b, _ := second.IntID()
	assert.Equal(t, []int64{1, 2}, []int64{a, b})
}

func TestHTTPAuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		auth   *config.RemoteAuthConfig
		header string
		want   string
	}{
		{"bearer", &config.RemoteAuthConfig{Type: "bearer", Token: "tok"}, "Authorization", "Bearer tok"},
		{"custom header", &config.RemoteAuthConfig{Type: "header", Header: "X-Api-Key", Token: "k1"}, "X-Api-Key", "k1"},
		{"basic", &config.RemoteAuthConfig{Type: "basic", Username: "u", Password: "p"}, "Authorization", "Basic dTpw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got <- r.Header.Get(tt.header)
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			cfg := &config.RemoteServerConfig{
				Name:      "remote",
				Transport: config.TransportHTTP,
				URL:       srv.URL,
				Headers:   map[string]string{"X-Static": "1"},
				Auth:      tt.auth,
			}
			tr, err := New(cfg, Options{})
			require.NoError(t, err)
			require.NoError(t, tr.Start(context.Background()))
			defer tr.Close()

			note, _ := jsonrpc.NewNotification("notifications/initialized", nil)
			require.NoError(t, tr.Send(context.Background(), note))
			assert.Equal(t, tt.want, <-got)
		})
	}
}

func TestHTTPSendBeforeStartAndAfterClose(t *testing.T) {
	h := NewHTTP(HTTPConfig{URL: "http://127.0.0.1:1"})
	assert.ErrorIs(t, h.Send(context.Background(), echoCall(t, 1, "x")), ErrNotStarted)

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Send(context.Background(), echoCall(t, 1, "x")), ErrClosed)

	_, open := <-h.Messages()
	assert.False(t, open)
}

func TestHTTPConnectionRefused(t *testing.T) {
	h := NewHTTP(HTTPConfig{URL: "http://127.0.0.1:1/mcp?token=secret"})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	err := h.Send(context.Background(), echoCall(t, 1, "x"))
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "token=secret"), "url in error must be redacted")
}
