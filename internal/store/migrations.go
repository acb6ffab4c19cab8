package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStep moves the archive one version forward (up) or back (down).
// The applied version lives in SQLite's user_version header field.
type schemaStep struct {
	name string
	up   string
	down string
}

// schema lists the steps in order; step i brings the database to version i+1.
var schema = []schemaStep{
	{
		name: "history snapshots",
		up: `
CREATE TABLE snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    label       TEXT NOT NULL,
    device      TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    entry_count INTEGER NOT NULL,
    digest      BLOB NOT NULL
);
CREATE INDEX idx_snapshots_created ON snapshots(created_at);

-- Entries are stored oldest first.
CREATE TABLE snapshot_entries (
    snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    time_ms     INTEGER NOT NULL,
    keycode     INTEGER NOT NULL,
    forked      INTEGER NOT NULL,
    press       INTEGER NOT NULL,
    PRIMARY KEY (snapshot_id, seq)
);
CREATE INDEX idx_entries_keycode ON snapshot_entries(keycode);`,
		down: `
DROP TABLE snapshot_entries;
DROP TABLE snapshots;`,
	},
	{
		name: "configuration snapshots",
		up: `
CREATE TABLE config_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    version     INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    config_hash BLOB NOT NULL,
    config_data TEXT NOT NULL,
    reason      TEXT
);
CREATE INDEX idx_config_created ON config_snapshots(created_at);`,
		down: `DROP TABLE config_snapshots;`,
	},
}

// SchemaVersion returns how many schema steps the database has applied.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// step runs sql and records version in one transaction.
func step(ctx context.Context, db *sql.DB, stmts string, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

// Migrate applies the steps the database has not seen. A database written
// by a newer forkd is refused.
func Migrate(ctx context.Context, db *sql.DB) error {
	v, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if v > len(schema) {
		return fmt.Errorf("archive schema version %d is newer than this build (%d)", v, len(schema))
	}
	for ; v < len(schema); v++ {
		if err := step(ctx, db, schema[v].up, v+1); err != nil {
			return fmt.Errorf("schema %d (%s): %w", v+1, schema[v].name, err)
		}
	}
	return nil
}

// Rollback undoes the most recent step.
func Rollback(ctx context.Context, db *sql.DB) error {
	v, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if v == 0 || v > len(schema) {
		return fmt.Errorf("cannot roll back schema version %d", v)
	}
	if err := step(ctx, db, schema[v-1].down, v-1); err != nil {
		return fmt.Errorf("roll back schema %d (%s): %w", v, schema[v-1].name, err)
	}
	return nil
}

// checkTables reports the first table the current schema should have but
// the database lacks.
func checkTables(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"snapshots", "snapshot_entries", "config_snapshots"} {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("look up table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("archive is missing table %s", table)
		}
	}
	return nil
}
