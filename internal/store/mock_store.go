// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps journal rows in memory so callers can run without SQLite

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errMockClosed = errors.New("mock store closed")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []*ServerEvent // append order
	calls  []*ToolCall    // append order
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordServerEvent appends a copy of ev, filling ID and CreatedAt when unset.
func (m *MockStore) RecordServerEvent(ctx context.Context, ev *ServerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	e := *ev
	m.events = append(m.events, &e)
	return nil
}

// ListServerEvents returns matching events, newest first.
func (m *MockStore) ListServerEvents(ctx context.Context, f ServerEventFilter) ([]*ServerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := clampLimit(f.Limit)
	var out []*ServerEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		if f.Server != "" && ev.Server != f.Server {
			continue
		}
		if f.Since != nil && ev.CreatedAt.Before(*f.Since) {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	return out, nil
}

// RecordToolCall appends a copy of call, filling ID and CreatedAt when unset.
func (m *MockStore) RecordToolCall(ctx context.Context, call *ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}

	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	c := *call
	m.calls = append(m.calls, &c)
	return nil
}

// ListToolCalls returns matching tool calls, newest first.
func (m *MockStore) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := clampLimit(f.Limit)
	var out []*ToolCall
	for i := len(m.calls) - 1; i >= 0 && len(out) < limit; i-- {
		call := m.calls[i]
		if f.Tool != "" && call.Tool != f.Tool {
			continue
		}
		if f.Server != "" && call.Server != f.Server {
			continue
		}
		if f.Identity != "" && call.Identity != f.Identity {
			continue
		}
		c := *call
		out = append(out, &c)
	}
	return out, nil
}

// Close marks the store closed. Reads keep working.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
