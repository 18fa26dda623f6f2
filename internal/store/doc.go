// Package store journals relay activity to SQLite.
//
// Two append-only tables are kept:
//
//   - server_events: lifecycle transitions of remote servers (connected,
//     disconnected, error, retrying, gave_up, added, removed)
//   - tool_calls: one audit row per tools/call handled by the gateway
//
// Rows are never updated. Listings return newest first and are capped at
// MaxListLimit rows.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// NewSQLiteStore(":memory:") gives a private in-memory database, which is
// what the tests use. NewMockStore is an in-memory Store for
// packages that only need the interface.
package store
