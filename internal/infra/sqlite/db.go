// Package sqlite provides SQLite-based persistent storage for the controller.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations and seeds the built-in roles.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			ip                  TEXT NOT NULL UNIQUE,
			mac                 TEXT NOT NULL DEFAULT '',
			hostname            TEXT NOT NULL DEFAULT '',
			platform            TEXT NOT NULL DEFAULT '',
			role_id             TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			discovery_method    TEXT NOT NULL,
			allocated_memory_mb INTEGER NOT NULL DEFAULT 0,
			last_seen           TEXT,
			first_seen          TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			rpc_port            INTEGER NOT NULL DEFAULT 8181,
			rpc_status          TEXT NOT NULL DEFAULT 'offline',
			memory_total_mb     INTEGER NOT NULL DEFAULT 0,
			memory_free_mb      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status)`,

		`CREATE TABLE IF NOT EXISTS roles (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			max_memory_mb   INTEGER NOT NULL,
			can_pull_models BOOLEAN NOT NULL DEFAULT 0,
			trust_level     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS allocations (
			id         TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL,
			memory_mb  INTEGER NOT NULL,
			provider   TEXT NOT NULL,
			granted_at TEXT NOT NULL,
			revoked_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alloc_device ON allocations(device_id)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return d.seedRoles()
}

// seedRoles inserts the three built-in roles if they do not exist yet.
func (d *DB) seedRoles() error {
	now := time.Now().UTC().Format(time.RFC3339)
	seeds := []struct {
		id    string
		name  string
		maxMB int64
		pull  bool
		trust int
	}{
		{"role-admin", "Admin", 65536, true, 100},
		{"role-user", "User", 16384, true, 50},
		{"role-guest", "Guest", 4096, false, 10},
	}
	for _, s := range seeds {
		_, err := d.db.Exec(
			`INSERT OR IGNORE INTO roles (id, name, max_memory_mb, can_pull_models, trust_level, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.id, s.name, s.maxMB, s.pull, s.trust, now,
		)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", s.id, err)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
