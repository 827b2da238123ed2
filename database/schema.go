package database

// schemaMigrationsTable creates the schema_migrations table for tracking
// database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- runs table: one row per resize orchestration run
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    device TEXT NOT NULL,
    op TEXT NOT NULL,
    requested_delta_bytes INTEGER NOT NULL,
    effective_delta_bytes INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    final_size_bytes INTEGER,
    error TEXT,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,

    CHECK (op IN ('grow', 'shrink')),
    CHECK (status IN ('running', 'succeeded', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

-- run_steps table: per-layer outcome of each run
CREATE TABLE IF NOT EXISTS run_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    layer TEXT NOT NULL,
    layer_id TEXT NOT NULL,
    old_size_bytes INTEGER NOT NULL,
    new_size_bytes INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE,
    UNIQUE (run_id, step_index),
    CHECK (outcome IN ('success', 'failed-precondition', 'failed-operation', 'skipped'))
);

CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id);

-- volume_locks table: advisory locks at volume-identity granularity.
-- The UNIQUE constraint on lock_key is the lock.
CREATE TABLE IF NOT EXISTS volume_locks (
    lock_key TEXT PRIMARY KEY,
    locked_by TEXT NOT NULL,
    locked_at INTEGER NOT NULL
);
`
