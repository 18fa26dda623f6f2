// Package gateway orchestrates the mcp-relay server components.
//
// # Overview
//
// The Gateway owns every long-lived component: the connector manager, the
// task registry, the procedure registry and router, the MCP endpoint, the
// SQLite journal, the HTTP server and the optional gRPC health server. New
// wires them together without starting anything; Run opens the listeners,
// registers the configured remote servers and blocks until its context ends;
// Shutdown stops the listeners and disconnects every remote server.
//
// # HTTP API
//
//   - POST|DELETE /mcp - MCP endpoint (see package mcp)
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once every auto-connect server is connected
//   - GET /api/servers - Server status snapshots
//   - POST /api/servers/{name}/connect - Connect now (admin)
//   - POST /api/servers/{name}/disconnect - Disconnect (admin)
//   - GET /api/tools - Procedure names and the aggregated remote catalogue
//   - GET /api/tasks - Running tasks with progress
//   - GET /api/events - Journaled server events; SSE live feed with Accept: text/event-stream
//   - GET /api/tool-calls - Tool-call audit rows (admin)
//   - GET /status - HTML status page (?format=markdown for the source)
//
// Every route except the health checks goes through the auth.Authenticator.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled, on :50051) the
// standard grpc.health.v1.Health service is served. The empty service name
// reports the relay; each remote server name reports SERVING while its
// connector is connected.
//
// # Tailscale
//
// With tailscale.enabled the listeners are opened on a tsnet node instead of
// the configured addresses; tailscale.https serves HTTP on :443 with
// tailnet-issued certificates.
//
// # Configuration reload
//
// When constructed WithConfigPath, Run watches the file and reconciles the
// server list on every valid change.
package gateway
