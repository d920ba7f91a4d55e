package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
-- One row per minted variation id. variation_id = 0 is the reserved
-- "unchanged from base template" row, inserted when a base is first seen.
-- reference_id records which variation the assignment was chained from.
CREATE TABLE IF NOT EXISTS variations (
    base TEXT NOT NULL,
    variation_id INTEGER NOT NULL,
    reference_id INTEGER NOT NULL DEFAULT 0,
    canonical_key TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (base, variation_id),
    UNIQUE (base, canonical_key)
);

-- Normalized path/value side-table for each variation row.
CREATE TABLE IF NOT EXISTS variation_values (
    base TEXT NOT NULL,
    variation_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (base, variation_id, path),
    FOREIGN KEY (base, variation_id) REFERENCES variations(base, variation_id) ON DELETE CASCADE
);

-- One row per concrete engine invocation.
CREATE TABLE IF NOT EXISTS simulations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    config_base TEXT NOT NULL,
    config_variation_id INTEGER NOT NULL,
    rulesets_base TEXT NOT NULL DEFAULT '',
    rulesets_variation_id INTEGER NOT NULL DEFAULT 0,
    ic_cells_base TEXT NOT NULL DEFAULT '',
    ic_cells_variation_id INTEGER NOT NULL DEFAULT 0,
    ic_substrates_base TEXT NOT NULL DEFAULT '',
    ic_substrates_variation_id INTEGER NOT NULL DEFAULT 0,
    custom_code TEXT NOT NULL DEFAULT '',
    monad_key TEXT NOT NULL,
    replicate_index INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_simulations_monad ON simulations(monad_key);
CREATE INDEX IF NOT EXISTS idx_simulations_status ON simulations(status);

-- Monotonic replicate-index counters, one per monad key. Counters only
-- ever grow, so a pruned replicate's index is never reissued.
CREATE TABLE IF NOT EXISTS monads (
    monad_key TEXT PRIMARY KEY,
    next_replicate_index INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema creates all tables if they do not exist and records the
// schema version.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
