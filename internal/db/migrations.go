package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY CHECK(length(node_id) BETWEEN 1 AND 64 AND node_id NOT GLOB '*[^0-9a-z._-]*'),
	name TEXT NOT NULL DEFAULT '',
	firmware_version TEXT NOT NULL DEFAULT '',
	health TEXT NOT NULL DEFAULT 'ok' CHECK(health IN ('ok','degraded','down')),
	last_seen_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS section_snapshots (
	node_id TEXT NOT NULL,
	section TEXT NOT NULL CHECK(section IN ('identity','radio','behavior','device_info','actions')),
	has_data INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	settings_json TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(node_id, section),
	FOREIGN KEY(node_id) REFERENCES nodes(node_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS command_journal (
	entry_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	response TEXT,
	kind TEXT,
	outcome TEXT NOT NULL CHECK(outcome IN ('pending','answered','failed','timed_out','unmatched')),
	issued_at TEXT NOT NULL,
	resolved_at TEXT,
	FOREIGN KEY(node_id) REFERENCES nodes(node_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS command_journal;
DROP TABLE IF EXISTS section_snapshots;
DROP TABLE IF EXISTS nodes;
DELETE FROM schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS command_journal_node_issued
ON command_journal(node_id, issued_at);

CREATE INDEX IF NOT EXISTS command_journal_pending
ON command_journal(session_id, command, issued_at)
WHERE outcome = 'pending';
`,
		DownSQL: `
DROP INDEX IF EXISTS command_journal_pending;
DROP INDEX IF EXISTS command_journal_node_issued;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll runs every DownSQL newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
