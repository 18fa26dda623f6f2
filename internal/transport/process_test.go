// ABOUTME: Tests for the child-process transport using the test binary as an MCP server.
// ABOUTME: Covers launcher resolution, env merging, round trips, exit codes and shutdown.

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/mcptest"
)

// TestHelperProcess is not a real test. It turns the test binary into an
// MCP server on stdio when launched by helperProcessConfig.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MCP_RELAY_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "helper starting with api_key=hunter2")
	srv := &mcptest.Server{Name: "helper"}
	err := srv.ServeStdio(os.Stdin, os.Stdout)
	var exit *mcptest.ExitRequest
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	os.Exit(0)
}

func helperProcessConfig() ProcessConfig {
	return ProcessConfig{
		Name:    "helper",
		Kind:    config.TransportPython,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     map[string]string{"MCP_RELAY_HELPER_PROCESS": "1"},
	}
}

func startHelper(t *testing.T) *Process {
	t.Helper()
	p := NewProcess(helperProcessConfig())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func receive(t *testing.T, tr Transport) *jsonrpc.Message {
	t.Helper()
	select {
	case msg, ok := <-tr.Messages():
		require.True(t, ok, "messages channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestResolveLauncher(t *testing.T) {
	installed := func(names ...string) func(string) (string, error) {
		return func(name string) (string, error) {
			for _, n := range names {
				if n == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", errors.New("not found")
		}
	}

	tests := []struct {
		name     string
		kind     config.TransportKind
		command  string
		args     []string
		lookPath func(string) (string, error)
		wantPath string
		wantArgs []string
		wantErr  error
	}{
		{
			name:     "explicit command wins",
			kind:     config.TransportPython,
			command:  "/opt/venv/bin/mcp-server",
			args:     []string{"--port", "0"},
			lookPath: installed(),
			wantPath: "/opt/venv/bin/mcp-server",
			wantArgs: []string{"--port", "0"},
		},
		{
			name:     "python script runs under python3",
			kind:     config.TransportPython,
			command:  "server.py",
			args:     []string{"--verbose"},
			lookPath: installed("python3", "python"),
			wantPath: "/usr/bin/python3",
			wantArgs: []string{"server.py", "--verbose"},
		},
		{
			name:     "python package prefers uvx",
			kind:     config.TransportPython,
			args:     []string{"mcp-server-fetch"},
			lookPath: installed("uvx", "python3"),
			wantPath: "/usr/bin/uvx",
			wantArgs: []string{"mcp-server-fetch"},
		},
		{
			name:     "python falls back to python",
			kind:     config.TransportPython,
			args:     []string{"-m", "server"},
			lookPath: installed("python"),
			wantPath: "/usr/bin/python",
			wantArgs: []string{"-m", "server"},
		},
		{
			name:     "node package uses npx with -y",
			kind:     config.TransportNode,
			args:     []string{"@modelcontextprotocol/server-everything"},
			lookPath: installed("npx", "node"),
			wantPath: "/usr/bin/npx",
			wantArgs: []string{"-y", "@modelcontextprotocol/server-everything"},
		},
		{
			name:     "node module script runs under node",
			kind:     config.TransportNode,
			command:  "dist/index.mjs",
			lookPath: installed("node"),
			wantPath: "/usr/bin/node",
			wantArgs: []string{"dist/index.mjs"},
		},
		{
			name:     "nothing installed",
			kind:     config.TransportNode,
			args:     []string{"pkg"},
			lookPath: installed(),
			wantErr:  ErrNoLauncher,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, args, err := ResolveLauncher(tt.kind, tt.command, tt.args, tt.lookPath)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "TOKEN=old"}
	merged := MergeEnv(base, map[string]string{"TOKEN": "new", "ZED": "1", "ALPHA": "2"})

	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root", "TOKEN=new", "ALPHA=2", "ZED=1"}, merged)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root", "TOKEN=old"}, base, "base must not be modified")
}

func TestProcessRoundTrip(t *testing.T) {
	p := startHelper(t)

	req, err := jsonrpc.NewRequest(jsonrpc.IntID(1), "initialize", map[string]any{"protocolVersion": "2025-03-26"})
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), req))

	resp := receive(t, p)
	id, ok := resp.IntID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Contains(t, string(resp.Result), `"helper"`)

	call, err := jsonrpc.NewRequest(jsonrpc.IntID(2), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "hi there"},
	})
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), call))

	resp = receive(t, p)
	assert.Contains(t, string(resp.Result), "hi there")
}

func TestProcessExitReportsCode(t *testing.T) {
	p := startHelper(t)

	call, err := jsonrpc.NewRequest(jsonrpc.IntID(1), "tools/call", map[string]any{
		"name":      "exit",
		"arguments": map[string]any{"code": 3},
	})
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), call))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	var exit *ExitError
	require.True(t, errors.As(p.Err(), &exit), "want *ExitError, got %v", p.Err())
	assert.Equal(t, 3, exit.Code)

	_, open := <-p.Messages()
	assert.False(t, open)

	assert.ErrorIs(t, p.Send(context.Background(), call), ErrClosed)
}

func hangCall(t *testing.T, id int64, ms int) *jsonrpc.Message {
	t.Helper()
	call, err := jsonrpc.NewRequest(jsonrpc.IntID(id), "tools/call", map[string]any{
		"name":      "hang",
		"arguments": map[string]any{"ms": ms},
	})
	require.NoError(t, err)
	return call
}

func bulkCall(t *testing.T, id int64, size int) *jsonrpc.Message {
	t.Helper()
	call, err := jsonrpc.NewRequest(jsonrpc.IntID(id), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": strings.Repeat("x", size)},
	})
	require.NoError(t, err)
	return call
}

func TestProcessSendToStalledChildTimesOut(t *testing.T) {
	p := startHelper(t)

	// The helper handles hang inline and stops reading stdin.
	require.NoError(t, p.Send(context.Background(), hangCall(t, 1, 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Send(ctx, bulkCall(t, 2, 4<<20))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteStalled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// A later small send must not queue behind the stuck write.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	start = time.Now()
	assert.Error(t, p.Send(ctx2, bulkCall(t, 3, 16)))
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("stalled process was not torn down")
	}
	assert.ErrorIs(t, p.Err(), ErrWriteStalled)
	assert.ErrorIs(t, p.Send(context.Background(), bulkCall(t, 4, 16)), ErrClosed)
}

func TestProcessCloseIsClean(t *testing.T) {
	p := NewProcess(helperProcessConfig())
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Close())
	assert.NoError(t, p.Err())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	// Second close is a no-op
	assert.NoError(t, p.Close())
}

func TestProcessStartTwice(t *testing.T) {
	p := startHelper(t)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestProcessSendBeforeStart(t *testing.T) {
	p := NewProcess(helperProcessConfig())
	msg, _ := jsonrpc.NewNotification("ping", nil)
	assert.ErrorIs(t, p.Send(context.Background(), msg), ErrNotStarted)
}

func TestProcessMissingBinary(t *testing.T) {
	p := NewProcess(ProcessConfig{
		Name:    "missing",
		Kind:    config.TransportNode,
		Command: "/nonexistent/definitely-not-here",
	})
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start process")
}
