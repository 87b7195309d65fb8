package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Migration is one step of the SQLite schema. Down undoes Up.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations are applied in Version order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Answers and keystroke logs",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Index answers by question and keystrokes by time",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Mark answers whose keystroke log was submitted",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS answers (
    id              TEXT PRIMARY KEY,
    question_id     TEXT NOT NULL,
    initial_text    TEXT NOT NULL DEFAULT '',
    language        TEXT NOT NULL DEFAULT '',
    text            TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS keystrokes (
    answer_id           TEXT NOT NULL REFERENCES answers(id) ON DELETE CASCADE,
    ordinal             INTEGER NOT NULL,
    id                  TEXT NOT NULL,
    type                TEXT NOT NULL,
    position            INTEGER NOT NULL,
    value               TEXT,
    length              INTEGER,
    relative_timestamp  INTEGER NOT NULL,
    snapshot            TEXT,
    PRIMARY KEY (answer_id, ordinal)
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS keystrokes;
DROP TABLE IF EXISTS answers;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(question_id);
CREATE INDEX IF NOT EXISTS idx_keystrokes_time ON keystrokes(answer_id, relative_timestamp);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_keystrokes_time;
DROP INDEX IF EXISTS idx_answers_question;
`

const migrationV3Up = `
ALTER TABLE answers ADD COLUMN submitted_at INTEGER;
`

const migrationV3Down = `
ALTER TABLE answers DROP COLUMN submitted_at;
`

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// ErrNoMigrations is returned when rolling back an empty schema.
var ErrNoMigrations = errors.New("store: no migrations applied")

// MigrateDB brings db up to the latest schema version. Each migration
// commits on its own, so a failure leaves the earlier ones in place.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration undoes the most recently applied migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNoMigrations
	}

	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == current })
	if i < 0 {
		return fmt.Errorf("store: unknown schema version %d", current)
	}
	m := migrations[i]

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback %d: %w", m.Version, err)
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// ValidateSchema reports the first expected table missing from db.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"answers", "keystrokes", "schema_migrations"} {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}
