// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides schema creation, migrations and shared encoding helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

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
	// One writer connection avoids SQLITE_BUSY between pooled connections and
	// keeps :memory: databases on a single handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
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
		CREATE TABLE IF NOT EXISTS accounts (
			uid            TEXT PRIMARY KEY,
			timezone       TEXT NOT NULL DEFAULT 'UTC',
			active_flow_id TEXT,
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cloud_accounts (
			phone_number_id TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			waba_id         TEXT,
			access_token    TEXT NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(uid)
		);

		CREATE INDEX IF NOT EXISTS idx_cloud_accounts_account ON cloud_accounts(account_id);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(uid)
		);

		CREATE TABLE IF NOT EXISTS chats (
			account_id        TEXT NOT NULL,
			chat_key          TEXT NOT NULL,
			origin            TEXT NOT NULL,
			address           TEXT NOT NULL,
			session_id        TEXT,
			sender_name       TEXT,
			last_message      TEXT,
			last_message_came INTEGER NOT NULL DEFAULT 0,
			is_opened         INTEGER NOT NULL DEFAULT 0,
			profile           TEXT,
			tags              TEXT,
			updated_at        TEXT NOT NULL,
			PRIMARY KEY (account_id, chat_key)
		);

		CREATE INDEX IF NOT EXISTS idx_chats_account_updated ON chats(account_id, updated_at);

		CREATE TABLE IF NOT EXISTS flow_cursors (
			account_id   TEXT NOT NULL,
			chat_key     TEXT NOT NULL,
			flow_id      TEXT,
			last_node    TEXT,
			mode         TEXT NOT NULL DEFAULT '',
			handoff_node TEXT,
			variables    TEXT,
			disabled     TEXT,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (account_id, chat_key)
		);

		CREATE TABLE IF NOT EXISTS flows (
			account_id TEXT NOT NULL,
			flow_id    TEXT NOT NULL,
			name       TEXT,
			nodes      TEXT NOT NULL,
			edges      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, flow_id)
		);

		CREATE TABLE IF NOT EXISTS agent_chats (
			owner_uid  TEXT NOT NULL,
			agent_uid  TEXT NOT NULL,
			chat_key   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (owner_uid, agent_uid, chat_key)
		);

		CREATE INDEX IF NOT EXISTS idx_agent_chats_chat ON agent_chats(owner_uid, chat_key);

		CREATE TABLE IF NOT EXISTS delivery_failures (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id     TEXT NOT NULL,
			chat_key       TEXT,
			channel_msg_id TEXT NOT NULL,
			status         TEXT NOT NULL,
			error_message  TEXT,
			payload        TEXT,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_failures_account ON delivery_failures(account_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the initial schema.
func (s *SQLiteStore) runMigrations() error {
	has, err := s.columnExists("chats", "tags")
	if err != nil {
		return err
	}
	if !has {
		if _, err := s.db.Exec(`ALTER TABLE chats ADD COLUMN tags TEXT`); err != nil {
			return fmt.Errorf("adding chats.tags: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// clampLimit applies the default and maximum page sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
