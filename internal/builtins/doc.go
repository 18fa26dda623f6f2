// Package builtins provides the relay's in-process procedure packs.
//
// Base pack (builtin:base), open to every caller:
//
//   - echo: return text unchanged
//   - countdown: stepped, cancellable task that reports progress
//   - whoami: describe the caller's identity
//
// Admin pack (builtin:admin):
//
//   - relay_servers, relay_tools, relay_tasks, relay_history: read-only views
//     of the manager, the task registry and the journal
//   - relay_tool_calls, relay_connect, relay_disconnect, relay_cancel_task:
//     require the admin or owner role and fail with ErrAdminRequired otherwise
//
// Packs are registered with packs.Registry.RegisterPack at gateway startup.
package builtins
