// Package mcp implements the relay's inbound Model Context Protocol endpoint.
//
// # Protocol
//
// The endpoint speaks JSON-RPC 2.0 over Streamable HTTP:
//
//   - POST /mcp carries initialize, ping, tools/list, tools/call and
//     notifications (notifications/initialized, notifications/cancelled)
//   - DELETE /mcp ends the session named by the Mcp-Session-Id header
//   - OPTIONS /mcp answers CORS preflight
//
// initialize creates a session and returns its id in the Mcp-Session-Id
// response header. Clients that never initialize are served statelessly.
// A request naming an unknown session gets 404 and must re-initialize.
// Request ids are remembered per session for ten minutes; a reused id is
// answered with -32600.
//
// # Tools
//
// tools/list returns every procedure in the packs registry. When remote tools
// are exposed, the manager's aggregated catalogue (server__tool names) follows.
// tools/call validates arguments against the procedure's input schema and
// runs it with the caller's auth.AuthContext on the context. Return values are
// normalized by NormalizeResult:
//
//	"done"                     -> one text block
//	map[string]any{"ok": true} -> indented JSON plus an "ok: true" summary block
//
// Remote results are forwarded unchanged, and remote JSON-RPC errors keep their code.
//
// # Progress and cancellation
//
// A tools/call whose params carry _meta.progressToken, sent by a client that
// accepts text/event-stream, is answered as an event stream: one
// notifications/progress event per completed step, then the response.
//
// notifications/cancelled marks the task registered under the request id as
// cancelled. Procedures check the flag between steps; forwarded remote calls
// are aborted.
//
// # Errors
//
//	-32700  body is not JSON
//	-32600  envelope is not JSON-RPC 2.0
//	-32601  unknown method
//	-32602  tools/call params without a tool name
//	-32603  any dispatch failure: unknown tool, arguments that do not match
//	        the input schema, execution failure, timeout or a recovered panic
package mcp
