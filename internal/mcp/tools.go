// ABOUTME: tools/list and tools/call handling for the MCP endpoint.
// ABOUTME: Runs in-process procedures through the router and forwards remote names to the manager.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/mcp-relay/internal/connector"
	"github.com/2389/mcp-relay/internal/jsonrpc"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/tasks"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// handleToolsList lists procedures, followed by the remote catalogue when
// remote tools are exposed. A remote name shadowed by a procedure is dropped.
func (s *Server) handleToolsList(ctx context.Context, _ *call) (any, error) {
	procs := s.registry.List()
	result := ListToolsResult{Tools: make([]ToolInfo, 0, len(procs))}
	local := make(map[string]bool, len(procs))
	for _, p := range procs {
		local[p.Name] = true
		schema := p.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		result.Tools = append(result.Tools, ToolInfo{
			Name:        p.Name,
			Description: p.Description,
			InputSchema: schema,
			Annotations: p.Annotations,
		})
	}

	if s.exposeRem {
		for _, t := range s.remote.ListAllTools(ctx) {
			if local[t.Name] {
				s.logger.Debug("remote tool shadowed by procedure", "tool_name", t.Name, "server", t.Server)
				continue
			}
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = emptyObjectSchema
			}
			result.Tools = append(result.Tools, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
				Annotations: t.Annotations,
			})
		}
	}

	s.logger.Debug("tools/list", "count", len(result.Tools))
	return result, nil
}

// handleToolsCall resolves the tool, runs it and returns its result.
func (s *Server) handleToolsCall(ctx context.Context, c *call) (any, error) {
	var params CallToolParams
	if len(c.msg.Params) > 0 {
		if err := json.Unmarshal(c.msg.Params, &params); err != nil {
			return nil, &rpcError{code: jsonrpc.CodeInvalidParams, message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &rpcError{code: jsonrpc.CodeInvalidParams, message: "tool name is required"}
	}

	rec := ToolCallRecord{Identity: c.identity, Tool: params.Name, Time: time.Now()}
	if c.session != nil {
		rec.SessionID = c.session.id
	}

	var result any
	var err error
	switch {
	case s.router.Has(params.Name):
		var res CallToolResult
		res, err = s.callProcedure(ctx, c, params)
		result = res
		rec.IsError = res.IsError
	case s.exposeRem:
		result, rec.Server, err = s.callRemote(ctx, c, params)
	default:
		err = &rpcError{code: jsonrpc.CodeInternalError, message: "tool not found: " + params.Name}
	}

	rec.Duration = time.Since(rec.Time)
	if err != nil {
		rec.IsError = true
		rec.Error = err.Error()
	}
	if s.onToolCall != nil {
		s.onToolCall(rec)
	}
	return result, err
}

// callProcedure runs an in-process procedure. The invocation on the context
// lets long-running procedures register their task under the request id.
func (s *Server) callProcedure(ctx context.Context, c *call, params CallToolParams) (CallToolResult, error) {
	inv := tasks.Invocation{
		ID:            c.taskID(c.msg.ID),
		ProgressToken: progressToken(c.msg.Params),
	}
	if c.stream != nil {
		inv.Progress = c.stream.progress
	}

	s.logger.Debug("tools/call", "tool_name", params.Name, "task_id", inv.ID)
	out, err := s.router.Execute(tasks.WithInvocation(ctx, inv), params.Name, params.Arguments)
	if err != nil {
		return CallToolResult{}, s.toolError(params.Name, err)
	}
	return NormalizeResult(out), nil
}

// callRemote forwards a call to the remote server that exposes name. The
// remote result is passed through untouched.
func (s *Server) callRemote(ctx context.Context, c *call, params CallToolParams) (json.RawMessage, string, error) {
	server, tool, err := s.remote.ResolveTool(ctx, params.Name)
	if err != nil {
		return nil, "", &rpcError{code: jsonrpc.CodeInternalError, message: "tool not found: " + params.Name}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	untrack, err := s.trackRemote(c.taskID(c.msg.ID), cancel)
	if err != nil {
		return nil, server, err
	}
	defer untrack()

	s.logger.Debug("tools/call forwarded", "tool_name", params.Name, "server", server, "remote_tool", tool)
	raw, err := s.remote.CallTool(ctx, server, tool, params.Arguments)
	if err != nil {
		return nil, server, s.toolError(params.Name, err)
	}
	return raw, server, nil
}

// toolError maps a dispatch failure onto a JSON-RPC error. Everything but a
// remote JSON-RPC error gets the internal-error code; the message tells the
// failures apart.
func (s *Server) toolError(toolName string, err error) error {
	s.logger.Warn("tool execution failed", "tool_name", toolName, "error", err)

	var remote *jsonrpc.Error
	if errors.As(err, &remote) {
		return remote
	}

	code := jsonrpc.CodeInternalError
	message := fmt.Sprintf("tool execution failed: %v", err)
	switch {
	case errors.Is(err, packs.ErrToolNotFound), errors.Is(err, manager.ErrUnknownTool), errors.Is(err, manager.ErrUnknownServer):
		message = "tool not found: " + toolName
	case errors.Is(err, packs.ErrInvalidArguments):
		message = err.Error()
	case errors.Is(err, manager.ErrNotConnected), errors.Is(err, connector.ErrNotConnected), errors.Is(err, connector.ErrConnectionClosed):
		message = "remote server unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, connector.ErrRequestTimeout):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}
	return &rpcError{code: code, message: message}
}
