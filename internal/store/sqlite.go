// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists server lifecycle events and tool-call audit rows with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS server_events (
			id TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			kind TEXT NOT NULL,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			delay_ms INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_server_events_server ON server_events(server, created_at);
		CREATE INDEX IF NOT EXISTS idx_server_events_created ON server_events(created_at);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			identity TEXT NOT NULL,
			tool TEXT NOT NULL,
			server TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool, created_at);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_created ON tool_calls(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "server_events",
			column: "exit_code",
			apply:  `ALTER TABLE server_events ADD COLUMN exit_code INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "tool_calls",
			column: "session_id",
			apply:  `ALTER TABLE tool_calls ADD COLUMN session_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordServerEvent appends a lifecycle event. ID and CreatedAt are filled
// in when unset.
func (s *SQLiteStore) RecordServerEvent(ctx context.Context, ev *ServerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO server_events (id, server, kind, error, attempt, delay_ms, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Server,
		ev.Kind,
		nullString(ev.Error),
		ev.Attempt,
		ev.Delay.Milliseconds(),
		ev.ExitCode,
		ev.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting server event: %w", err)
	}
	return nil
}

// ListServerEvents returns events matching f, newest first.
func (s *SQLiteStore) ListServerEvents(ctx context.Context, f ServerEventFilter) ([]*ServerEvent, error) {
	var where []string
	var args []any
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}

	query := `
		SELECT id, server, kind, error, attempt, delay_ms, exit_code, created_at
		FROM server_events
	` + whereClause(where) + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying server events: %w", err)
	}
	defer rows.Close()

	var events []*ServerEvent
	for rows.Next() {
		ev := &ServerEvent{}
		var errText sql.NullString
		var delayMS int64
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Server, &ev.Kind, &errText, &ev.Attempt, &delayMS, &ev.ExitCode, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning server event row: %w", err)
		}
		ev.Error = errText.String
		ev.Delay = time.Duration(delayMS) * time.Millisecond
		if ev.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server event rows: %w", err)
	}
	return events, nil
}

// RecordToolCall appends a tool-call audit row. ID and CreatedAt are filled
// in when unset.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, call *ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tool_calls (id, session_id, identity, tool, server, is_error, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		call.ID,
		nullString(call.SessionID),
		call.Identity,
		call.Tool,
		nullString(call.Server),
		call.IsError,
		nullString(call.Error),
		call.Duration.Milliseconds(),
		call.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns tool calls matching f, newest first.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]*ToolCall, error) {
	var where []string
	var args []any
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}

	query := `
		SELECT id, session_id, identity, tool, server, is_error, error, duration_ms, created_at
		FROM tool_calls
	` + whereClause(where) + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		call := &ToolCall{}
		var sessionID, server, errText sql.NullString
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&call.ID, &sessionID, &call.Identity, &call.Tool, &server, &call.IsError, &errText, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tool call row: %w", err)
		}
		call.SessionID = sessionID.String
		call.Server = server.String
		call.Error = errText.String
		call.Duration = time.Duration(durationMS) * time.Millisecond
		if call.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool call rows: %w", err)
	}
	return calls, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
