// ABOUTME: In-memory fan-out of journal events to live /api/events subscribers
// ABOUTME: Slow subscribers drop events instead of blocking the publisher

package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/mcp-relay/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event kinds carried by the broadcaster.
const (
	EventKindServer   = "server"
	EventKindToolCall = "tool_call"
)

// Event is one journal entry as pushed to live subscribers. Exactly one of
// Server and ToolCall is set, matching Kind.
type Event struct {
	Kind     string             `json:"kind"`
	Server   *store.ServerEvent `json:"server,omitempty"`
	ToolCall *store.ToolCall    `json:"tool_call,omitempty"`
}

// serverName returns the remote server the event concerns, or "".
func (e Event) serverName() string {
	switch {
	case e.Server != nil:
		return e.Server.Server
	case e.ToolCall != nil:
		return e.ToolCall.Server
	}
	return ""
}

// EventBroadcaster provides in-memory pub/sub for journal events.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx is
// cancelled or the broadcaster closes.
func (b *EventBroadcaster) Subscribe(ctx context.Context) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch
}

// Publish delivers ev to every subscriber without blocking.
func (b *EventBroadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", subID, "kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *EventBroadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
