// Package config handles configuration loading for mcp-relay.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion, then overlaid with MCP_RELAY_* environment
// overrides, validated, and optionally watched for changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCP_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcp-relay/relay.yaml
//  3. ~/.config/mcp-relay/relay.yaml
//
// # Environment Variable Expansion
//
//	servers:
//	  - name: search
//	    transport: http
//	    url: "https://search.internal/mcp"
//	    auth:
//	      type: bearer
//	      token: "${SEARCH_TOKEN}"
//
// # Environment Overrides
//
//	MCP_RELAY_HTTP_ADDR    server.http_addr
//	MCP_RELAY_GRPC_ADDR    server.grpc_addr
//	MCP_RELAY_DB_PATH      database.path
//	MCP_RELAY_LOG_LEVEL    logging.level
//	MCP_RELAY_JWT_SECRET   auth.jwt_secret
//
// # Remote Servers
//
//	servers:
//	  - name: files
//	    transport: process-node        # process-python, process-node, container, http, streaming-http
//	    args: ["@modelcontextprotocol/server-filesystem", "/srv"]
//	    timeout: "45s"
//	    auto_start: true
//	    exclude_tools: ["write_*"]
//	  - name: sandbox
//	    transport: container
//	    container:
//	      args: ["-i", "--rm", "-e", "MODE=strict", "ghcr.io/acme/sandbox:1.4"]
//	      reuse_container: true
//	      remove_on_exit: false
//	    retry:
//	      max_attempts: 8
//	      initial_delay: "2s"
//	      max_delay: "1m"
//	      reset_after: "2m"
//
// Duration values use Go's time.ParseDuration syntax.
//
// # Validation
//
// Load() rejects unknown transports, missing launch parameters, non-http
// URLs, duplicate server names, and two container servers sharing a container
// name. These errors are *ValidationError and are never retried.
package config
