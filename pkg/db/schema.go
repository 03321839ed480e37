package db

import (
	"fmt"
)

// migrations are applied in order; the database's user_version records how
// many have run. Never edit a released entry, append a new one.
var migrations = []string{
	`CREATE TABLE trade_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts DATETIME NOT NULL,
    symbol TEXT NOT NULL,
    strategy TEXT NOT NULL,
    kind TEXT NOT NULL,
    side TEXT,
    qty INTEGER DEFAULT 0,
    price REAL DEFAULT 0,
    reason TEXT,
    realized REAL DEFAULT 0
);
CREATE INDEX idx_trade_events_ts ON trade_events(ts);

CREATE TABLE equity (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts DATETIME NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    realized REAL NOT NULL,
    unrealized REAL NOT NULL,
    total REAL NOT NULL,
    position INTEGER NOT NULL
);`,

	`CREATE INDEX idx_trade_events_kind ON trade_events(kind, ts);`,
}

// SchemaVersion is the user_version of a fully migrated database.
func SchemaVersion() int { return len(migrations) }

// ApplyMigrations brings the journal schema up to date. Each step runs in
// its own transaction together with the version bump.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	current, err := d.userVersion()
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := d.DB.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		// PRAGMA takes no bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", v+1, err)
		}
	}
	return nil
}

func (d *Database) userVersion() (int, error) {
	var v int
	if err := d.DB.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
