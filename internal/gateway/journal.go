// ABOUTME: Journaling of manager lifecycle events and tool calls
// ABOUTME: Feeds the SQLite journal, the live event broadcaster and the gRPC health service

package gateway

import (
	"context"
	"time"

	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/mcp"
	"github.com/2389/mcp-relay/internal/store"
)

const journalWriteTimeout = 5 * time.Second

// pumpEvents drains manager events until the manager closes its channel.
func (g *Gateway) pumpEvents() {
	defer close(g.pumpDone)
	for ev := range g.manager.Events() {
		g.updateHealth(ev)
		g.recordServerEvent(ev)
	}
}

// recordServerEvent journals and broadcasts one manager event.
func (g *Gateway) recordServerEvent(ev manager.Event) {
	row := &store.ServerEvent{
		Server:    ev.Server,
		Kind:      string(ev.Kind),
		Attempt:   ev.Attempt,
		Delay:     ev.Delay,
		ExitCode:  ev.ExitCode,
		CreatedAt: ev.Time.UTC(),
	}
	if ev.Err != nil {
		row.Error = ev.Err.Error()
	}

	if g.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()
		if err := g.journal.RecordServerEvent(ctx, row); err != nil {
			g.logger.Error("journaling server event", "server", ev.Server, "kind", ev.Kind, "error", err)
		}
	}
	g.broadcaster.Publish(Event{Kind: EventKindServer, Server: row})
}

// recordToolCall is the MCP endpoint's OnToolCall hook.
func (g *Gateway) recordToolCall(rec mcp.ToolCallRecord) {
	row := &store.ToolCall{
		SessionID: rec.SessionID,
		Identity:  rec.Identity,
		Tool:      rec.Tool,
		Server:    rec.Server,
		IsError:   rec.IsError,
		Error:     rec.Error,
		Duration:  rec.Duration,
		CreatedAt: rec.Time.UTC(),
	}

	if g.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()
		if err := g.journal.RecordToolCall(ctx, row); err != nil {
			g.logger.Error("journaling tool call", "tool_name", rec.Tool, "error", err)
		}
	}
	g.broadcaster.Publish(Event{Kind: EventKindToolCall, ToolCall: row})
}
