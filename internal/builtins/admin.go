// ABOUTME: Admin pack provides relay inspection and control procedures.
// ABOUTME: Read-only tools are open to every caller; connect, disconnect and cancel require the admin role.

package builtins

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/store"
	"github.com/2389/mcp-relay/internal/tasks"
)

// ErrAdminRequired is returned when a caller without the admin role invokes
// a control procedure.
var ErrAdminRequired = errors.New("admin role required")

// ErrJournalDisabled is returned by history procedures when no journal is configured.
var ErrJournalDisabled = errors.New("journal disabled")

// Relay is the slice of the connector manager the admin pack drives.
type Relay interface {
	Statuses() []manager.ServerStatus
	ListAllTools(ctx context.Context) []manager.Tool
	Connect(ctx context.Context, name string) error
	Disconnect(name string) error
}

// ServerArgs names one remote server.
type ServerArgs struct {
	Server string `json:"server" jsonschema:"description=Remote server name"`
}

// ToolsArgs filters relay_tools.
type ToolsArgs struct {
	Server string `json:"server,omitempty" jsonschema:"description=Only list tools from this server"`
}

// CancelTaskArgs names a running task.
type CancelTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"description=Task id as listed by relay_tasks"`
}

// HistoryArgs filters relay_history.
type HistoryArgs struct {
	Server string `json:"server,omitempty" jsonschema:"description=Only events for this server"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of events (default 100)"`
}

// ToolCallsArgs filters relay_tool_calls.
type ToolCallsArgs struct {
	Tool     string `json:"tool,omitempty"`
	Server   string `json:"server,omitempty"`
	Identity string `json:"identity,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// AdminPack creates the admin pack. journal may be nil, in which case the
// history procedures fail with ErrJournalDisabled.
func AdminPack(relay Relay, reg *tasks.Registry, journal store.Store) packs.Pack {
	a := &adminHandlers{relay: relay, tasks: reg, journal: journal}
	readOnly := packs.WithAnnotations(map[string]any{"readOnlyHint": true})
	destructive := packs.WithAnnotations(map[string]any{"destructiveHint": true})
	return packs.Pack{
		ID: "builtin:admin",
		Procedures: []*packs.Procedure{
			packs.NewProcedure("relay_servers", "List remote servers with their connection state", a.Servers, readOnly),
			packs.NewProcedure("relay_tools", "List the aggregated remote tool catalogue", a.Tools, readOnly),
			packs.NewProcedure("relay_tasks", "List running tasks and their progress", a.Tasks, readOnly),
			packs.NewProcedure("relay_history", "Read the server lifecycle journal", a.History, readOnly),
			packs.NewProcedure("relay_tool_calls", "Read the tool-call audit journal (admin)", a.ToolCalls, readOnly),
			packs.NewProcedure("relay_connect", "Connect a remote server now (admin)", a.Connect),
			packs.NewProcedure("relay_disconnect", "Disconnect a remote server (admin)", a.Disconnect, destructive),
			packs.NewProcedure("relay_cancel_task", "Cancel a running task (admin)", a.CancelTask, destructive),
		},
	}
}

type adminHandlers struct {
	relay   Relay
	tasks   *tasks.Registry
	journal store.Store
}

func requireAdmin(ctx context.Context) error {
	if !auth.FromContext(ctx).IsAdmin() {
		return ErrAdminRequired
	}
	return nil
}

// Servers returns the status of every configured server.
func (a *adminHandlers) Servers(ctx context.Context, _ NoArgs) (any, error) {
	statuses := a.relay.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}
	return map[string]any{
		"servers":   statuses,
		"count":     len(statuses),
		"connected": connected,
	}, nil
}

// Tools lists the remote catalogue, optionally for one server.
func (a *adminHandlers) Tools(ctx context.Context, args ToolsArgs) (any, error) {
	all := a.relay.ListAllTools(ctx)
	tools := make([]manager.Tool, 0, len(all))
	for _, t := range all {
		if args.Server != "" && t.Server != args.Server {
			continue
		}
		tools = append(tools, t)
	}
	return map[string]any{
		"tools": tools,
		"count": len(tools),
	}, nil
}

// Tasks lists running tasks, oldest first.
func (a *adminHandlers) Tasks(ctx context.Context, _ NoArgs) (any, error) {
	running := a.tasks.List()
	sort.SliceStable(running, func(i, j int) bool {
		return running[i].StartTime.Before(running[j].StartTime)
	})
	return map[string]any{
		"tasks": running,
		"count": len(running),
	}, nil
}

// History returns recent server lifecycle events.
func (a *adminHandlers) History(ctx context.Context, args HistoryArgs) (any, error) {
	if a.journal == nil {
		return nil, ErrJournalDisabled
	}
	events, err := a.journal.ListServerEvents(ctx, store.ServerEventFilter{Server: args.Server, Limit: args.Limit})
	if err != nil {
		return nil, fmt.Errorf("listing server events: %w", err)
	}
	if events == nil {
		events = []*store.ServerEvent{}
	}
	return map[string]any{
		"events": events,
		"count":  len(events),
	}, nil
}

// ToolCalls returns recent audit rows. Identities of other callers are
// visible, so this requires admin.
func (a *adminHandlers) ToolCalls(ctx context.Context, args ToolCallsArgs) (any, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if a.journal == nil {
		return nil, ErrJournalDisabled
	}
	calls, err := a.journal.ListToolCalls(ctx, store.ToolCallFilter{
		Tool:     args.Tool,
		Server:   args.Server,
		Identity: args.Identity,
		Limit:    args.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	if calls == nil {
		calls = []*store.ToolCall{}
	}
	return map[string]any{
		"calls": calls,
		"count": len(calls),
	}, nil
}

// Connect connects a server immediately.
func (a *adminHandlers) Connect(ctx context.Context, args ServerArgs) (any, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := a.relay.Connect(ctx, args.Server); err != nil {
		return nil, serverError(args.Server, err)
	}
	return map[string]any{"server": args.Server, "connected": true}, nil
}

// Disconnect disconnects a server. The manager does not retry it.
func (a *adminHandlers) Disconnect(ctx context.Context, args ServerArgs) (any, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := a.relay.Disconnect(args.Server); err != nil {
		return nil, serverError(args.Server, err)
	}
	return map[string]any{"server": args.Server, "connected": false}, nil
}

// CancelTask flags a task as cancelled. The task stops at its next step boundary.
func (a *adminHandlers) CancelTask(ctx context.Context, args CancelTaskArgs) (any, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := a.tasks.Cancel(args.TaskID); err != nil {
		if errors.Is(err, tasks.ErrUnknownTask) {
			return nil, fmt.Errorf("%w: unknown task %q", packs.ErrInvalidArguments, args.TaskID)
		}
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "cancelled": true}, nil
}

func serverError(name string, err error) error {
	if errors.Is(err, manager.ErrUnknownServer) {
		return fmt.Errorf("%w: unknown server %q", packs.ErrInvalidArguments, name)
	}
	return fmt.Errorf("server %s: %w", name, err)
}
