// Package storage opens the embedded SQLite database shared by the
// snapshot, schedule and license stores.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path in WAL mode.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_snapshots (
  name TEXT PRIMARY KEY,
  data BLOB NOT NULL,
  job_count INTEGER NOT NULL DEFAULT 0,
  taken_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  skill_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','expired')) DEFAULT 'active',
  enabled INTEGER NOT NULL DEFAULT 1,
  next_run DATETIME NOT NULL,
  definition BLOB NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS licenses (
  license_key TEXT PRIMARY KEY,
  tier TEXT NOT NULL DEFAULT 'free',
  active INTEGER NOT NULL DEFAULT 1,
  quota INTEGER NOT NULL DEFAULT 0,
  used INTEGER NOT NULL DEFAULT 0,
  rate_limit REAL NOT NULL DEFAULT 0,
  rate_burst INTEGER NOT NULL DEFAULT 0,
  allowed_skills TEXT NOT NULL DEFAULT '',
  blocked_skills TEXT NOT NULL DEFAULT '',
  expires_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}
