// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/envelope/tool/session persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

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

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would open its own empty
	// database, so the pool must stay at a single connection.
	if path == ":memory:" {
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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id          TEXT PRIMARY KEY,
			division_id       TEXT NOT NULL,
			capabilities      TEXT NOT NULL,
			endpoint          TEXT NOT NULL,
			is_shareable      INTEGER NOT NULL DEFAULT 0,
			allowed_divisions TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			version           INTEGER NOT NULL,
			last_heartbeat    TEXT NOT NULL,
			tombstoned        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('active', 'degraded', 'unavailable'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_division ON agents(division_id);
		CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat);

		CREATE TABLE IF NOT EXISTS divisions (
			division_id      TEXT PRIMARY KEY,
			gateway_endpoint TEXT NOT NULL,
			trusted          INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS envelopes (
			message_id         TEXT PRIMARY KEY,
			source_agent_id    TEXT NOT NULL,
			source_division_id TEXT NOT NULL,
			target_agent_id    TEXT NOT NULL,
			target_division_id TEXT NOT NULL,
			message_type       TEXT NOT NULL,
			payload            BLOB,
			correlation_id     TEXT,
			created_at         TEXT NOT NULL,
			ttl_seconds        INTEGER NOT NULL,
			attempt            INTEGER NOT NULL DEFAULT 0,
			priority           INTEGER NOT NULL DEFAULT 5,
			status             TEXT NOT NULL,
			next_attempt_at    TEXT NOT NULL,
			last_error         TEXT NOT NULL DEFAULT '',
			delivered_at       TEXT,

			CHECK (message_type IN ('request', 'response', 'event')),
			CHECK (status IN ('pending', 'inflight', 'delivered', 'expired', 'dead_letter'))
		);

		CREATE INDEX IF NOT EXISTS idx_envelopes_due
			ON envelopes(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_envelopes_correlation
			ON envelopes(correlation_id);

		CREATE TABLE IF NOT EXISTS dead_letters (
			message_id   TEXT PRIMARY KEY,
			last_error   TEXT NOT NULL,
			attempts     INTEGER NOT NULL,
			dead_at      TEXT NOT NULL,
			replayed_at  TEXT,
			replay_count INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (message_id) REFERENCES envelopes(message_id)
		);

		CREATE TABLE IF NOT EXISTS tool_definitions (
			tool_id           TEXT NOT NULL,
			version           TEXT NOT NULL,
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			endpoint          TEXT NOT NULL,
			input_schema      BLOB NOT NULL,
			output_schema     BLOB NOT NULL,
			timeout_seconds   INTEGER NOT NULL,
			allowed_divisions TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			PRIMARY KEY (tool_id, version)
		);

		CREATE TABLE IF NOT EXISTS tool_executions (
			execution_id        TEXT PRIMARY KEY,
			tool_id             TEXT NOT NULL,
			tool_version        TEXT NOT NULL,
			requesting_agent_id TEXT NOT NULL,
			requesting_division TEXT NOT NULL,
			status              TEXT NOT NULL,
			params              BLOB,
			result              BLOB,
			error_code          TEXT NOT NULL DEFAULT '',
			error_detail        TEXT NOT NULL DEFAULT '',
			started_at          TEXT NOT NULL,
			completed_at        TEXT,

			CHECK (status IN ('pending', 'running', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_executions_agent
			ON tool_executions(requesting_agent_id, status);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			caller_id  TEXT NOT NULL,
			division   TEXT NOT NULL,
			context    BLOB,
			created_at TEXT NOT NULL,
			ended_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			division_id TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// joinList serializes a string slice into a comma-separated column value.
func joinList(items []string) string {
	return strings.Join(items, ",")
}

// splitList deserializes a comma-separated column value. Empty input yields
// a nil slice, not a one-element slice containing "".
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
