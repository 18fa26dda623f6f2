// ABOUTME: Journal store interface and the row types it persists.
// ABOUTME: Server lifecycle events and tool-call audit records, both append-only.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const (
	// DefaultListLimit applies when a filter leaves Limit at zero.
	DefaultListLimit = 100
	// MaxListLimit caps every listing.
	MaxListLimit = 500
)

// ServerEvent is one lifecycle transition of a remote server.
type ServerEvent struct {
	ID        string        `json:"id"`
	Server    string        `json:"server"`
	Kind      string        `json:"kind"`
	Error     string        `json:"error,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	ExitCode  int           `json:"exit_code,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ToolCall is the audit record of one tools/call.
type ToolCall struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id,omitempty"`
	Identity  string        `json:"identity"`
	Tool      string        `json:"tool"`
	Server    string        `json:"server,omitempty"` // empty for in-process procedures
	IsError   bool          `json:"is_error"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// ServerEventFilter narrows ListServerEvents. Zero values match everything.
type ServerEventFilter struct {
	Server string
	Since  *time.Time
	Limit  int
}

// ToolCallFilter narrows ListToolCalls. Zero values match everything.
type ToolCallFilter struct {
	Tool     string
	Server   string
	Identity string
	Limit    int
}

// Store is the journal used by the gateway.
type Store interface {
	RecordServerEvent(ctx context.Context, ev *ServerEvent) error
	ListServerEvents(ctx context.Context, f ServerEventFilter) ([]*ServerEvent, error)

	RecordToolCall(ctx context.Context, call *ToolCall) error
	ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error)

	Close() error
}

// clampLimit applies the default and maximum listing sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
