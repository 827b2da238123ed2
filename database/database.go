// Package database persists resize run history and holds the advisory
// volume locks, backed by SQLite.
//
// Two concerns live here on purpose:
//
//   - History: every run and its per-step outcomes are recorded so that
//     "what happened to this volume and when" survives the process. Stacks
//     themselves are never persisted; they are re-probed per request.
//
//   - Locking: at most one resize orchestration may run per storage stack.
//     The volume_locks table's primary key provides that guarantee across
//     processes: whoever INSERTs first holds the lock.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for run tracking.
type DB struct {
	db   *sql.DB
	path string
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/stackresize/runs.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New creates a new database connection and initializes the schema.
//
// SQLite is configured for concurrent access: WAL journaling, foreign
// keys on, NORMAL synchronous mode, and a 5-second busy timeout so two
// invocations racing for the volume lock resolve by constraint violation
// rather than SQLITE_BUSY.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{db: db, path: cfg.Path}
	if err := d.ApplyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// AcquireVolumeLock attempts to acquire the exclusive advisory lock for a
// storage stack, identified by its derived lock key. The lock is the
// UNIQUE constraint on volume_locks.lock_key: the first inserter wins.
//
// Callers must release via ReleaseVolumeLock on every exit path; a crashed
// holder leaves a stale row that requires `stackresize unlock` (or manual
// DELETE). Locks never auto-expire: expiring one under a still-running
// lvresize would defeat its purpose.
func (d *DB) AcquireVolumeLock(ctx context.Context, lockKey, lockedBy string) error {
	query := `INSERT INTO volume_locks (lock_key, locked_by, locked_at) VALUES (?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, lockKey, lockedBy, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryLock := `SELECT locked_by, locked_at FROM volume_locks WHERE lock_key = ?`
			if scanErr := d.db.QueryRowContext(ctx, queryLock, lockKey).Scan(&holder, &lockedAt); scanErr == nil {
				return fmt.Errorf("volume is already locked by %s (acquired at %s)",
					holder, time.Unix(lockedAt, 0).Format(time.RFC3339))
			}
			return fmt.Errorf("volume is already locked by another process")
		}
		return fmt.Errorf("failed to acquire volume lock: %w", err)
	}
	return nil
}

// ReleaseVolumeLock releases the lock for the given key. Idempotent: it
// does not error if the lock doesn't exist.
func (d *DB) ReleaseVolumeLock(ctx context.Context, lockKey string) error {
	query := `DELETE FROM volume_locks WHERE lock_key = ?`
	if _, err := d.db.ExecContext(ctx, query, lockKey); err != nil {
		return fmt.Errorf("failed to release volume lock: %w", err)
	}
	return nil
}

// IsVolumeLocked reports whether the given lock key is currently held.
func (d *DB) IsVolumeLocked(ctx context.Context, lockKey string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM volume_locks WHERE lock_key = ?`
	if err := d.db.QueryRowContext(ctx, query, lockKey).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check volume lock: %w", err)
	}
	return count > 0, nil
}
