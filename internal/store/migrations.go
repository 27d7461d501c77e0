package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all SQLite migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with covalues, sessions, transactions and checkpoints",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add stored_at to covalues for inspection",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS covalues (
    id          TEXT PRIMARY KEY,
    header      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    covalue                       TEXT NOT NULL REFERENCES covalues(id),
    session_id                    TEXT NOT NULL,
    last_idx                      INTEGER NOT NULL,
    last_signature                TEXT NOT NULL,
    bytes_since_last_signature    INTEGER NOT NULL,
    PRIMARY KEY (covalue, session_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    covalue     TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    tx          TEXT NOT NULL,
    PRIMARY KEY (covalue, session_id, idx),
    FOREIGN KEY (covalue, session_id) REFERENCES sessions(covalue, session_id) DEFERRABLE INITIALLY DEFERRED
);

CREATE TABLE IF NOT EXISTS signature_after (
    covalue     TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    signature   TEXT NOT NULL,
    PRIMARY KEY (covalue, session_id, idx),
    FOREIGN KEY (covalue, session_id) REFERENCES sessions(covalue, session_id) DEFERRABLE INITIALLY DEFERRED
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS signature_after;
DROP TABLE IF EXISTS transactions;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS covalues;
`

const migrationV2Up = `
ALTER TABLE covalues ADD COLUMN stored_at INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_covalues_stored_at ON covalues(stored_at);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_covalues_stored_at;
ALTER TABLE covalues DROP COLUMN stored_at;
`

// MigrateDB applies all pending migrations.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}

	for _, m := range migrations {
		if m.Version != current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin rollback %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("rollback migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		return tx.Commit()
	}
	return fmt.Errorf("unknown schema version %d", current)
}

// SchemaVersion returns the applied schema version.
func SchemaVersion(db *sql.DB) (int, error) {
	return currentVersion(db)
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}
