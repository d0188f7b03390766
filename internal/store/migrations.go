package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all bridge history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cycles (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		bridge_id         TEXT NOT NULL,
		started_at        TEXT NOT NULL,
		duration_ns       INTEGER NOT NULL DEFAULT 0,
		required_reads    INTEGER NOT NULL DEFAULT 0,
		optional_reads    INTEGER NOT NULL DEFAULT 0,
		writes            INTEGER NOT NULL DEFAULT 0,
		writes_skipped    INTEGER NOT NULL DEFAULT 0,
		failures          INTEGER NOT NULL DEFAULT 0,
		behind_schedule   INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS faults (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		bridge_id   TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		error       TEXT NOT NULL,
		backoff_ns  INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_cycles_bridge_started ON cycles(bridge_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_faults_bridge_occurred ON faults(bridge_id, occurred_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "cycles",
		column:   "listener_overhead_ns",
		alterSQL: "ALTER TABLE cycles ADD COLUMN listener_overhead_ns INTEGER NOT NULL DEFAULT 0",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
