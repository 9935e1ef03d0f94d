// Package db provides embedded SQLite persistence for spiralsync.
//
// Two concerns share one database file:
//   - authoritative core snapshots (cores table), written only by the
//     sync coordinator after conflict resolution
//   - the durable offline queue (queue table) plus its dead-letter side
//     table for abandoned updates
//
// The database runs in embedded mode with WAL for concurrent readers
// during writes. Every row carries a schema_version column; rows with an
// unknown version are treated as corrupt and skipped (and optionally
// purged) instead of crashing the process.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with spiralsync-specific queries.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".spiralsync/state.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL lets queue readers proceed while the coordinator writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cores (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT,
		current_level REAL NOT NULL CHECK (current_level >= 0.0 AND current_level <= 1.0),
		previous_level REAL NOT NULL CHECK (previous_level >= 0.0 AND previous_level <= 1.0),
		trend TEXT NOT NULL DEFAULT 'stable',
		last_updated TEXT NOT NULL,
		milestones TEXT,  -- JSON array
		insight TEXT,
		schema_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		core_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON UpdatePayload
		created_at TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at TEXT,
		processing_since TEXT,
		last_error TEXT,
		schema_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS dead_letter (
		id TEXT PRIMARY KEY,
		core_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		abandoned_at TEXT NOT NULL,
		reason TEXT,
		schema_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_core ON queue(core_id);
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON queue(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_queue_processing ON queue(processing_since)
	    WHERE status = 'processing';
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UpsertCore inserts or updates an authoritative core snapshot.
func (db *DB) UpsertCore(ctx context.Context, c *core.Core) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid core: %w", err)
	}

	milestonesJSON, err := json.Marshal(c.Milestones)
	if err != nil {
		return fmt.Errorf("failed to marshal milestones: %w", err)
	}

	query := `
	INSERT INTO cores (
		id, name, color, current_level, previous_level, trend,
		last_updated, milestones, insight, schema_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		color = excluded.color,
		current_level = excluded.current_level,
		previous_level = excluded.previous_level,
		trend = excluded.trend,
		last_updated = excluded.last_updated,
		milestones = excluded.milestones,
		insight = excluded.insight,
		schema_version = excluded.schema_version
	`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID,
		c.Name,
		c.Color,
		c.CurrentLevel,
		c.PreviousLevel,
		string(c.Trend),
		c.LastUpdated.UTC().Format(time.RFC3339Nano),
		string(milestonesJSON),
		c.Insight,
		c.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert core %s: %w", c.ID, err)
	}

	return nil
}

// GetCore retrieves a single core snapshot by id.
// Returns core.ErrNotFound if the core doesn't exist.
func (db *DB) GetCore(ctx context.Context, id string) (*core.Core, error) {
	query := `
	SELECT id, name, color, current_level, previous_level, trend,
	       last_updated, milestones, insight, schema_version
	FROM cores
	WHERE id = ?
	`

	c, err := scanCore(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("core %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get core %s: %w", id, err)
	}
	return c, nil
}

// ListCores retrieves all core snapshots ordered by id.
// Rows with an unknown schema version are skipped rather than failing
// the whole read (corruption fallback).
func (db *DB) ListCores(ctx context.Context) ([]*core.Core, error) {
	query := `
	SELECT id, name, color, current_level, previous_level, trend,
	       last_updated, milestones, insight, schema_version
	FROM cores
	ORDER BY id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cores: %w", err)
	}
	defer rows.Close()

	var cores []*core.Core
	for rows.Next() {
		c, err := scanCore(rows)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable core row: %v\n", err)
			continue
		}
		if c.SchemaVersion != core.SchemaVersion {
			fmt.Fprintf(os.Stderr, "Warning: skipping core %s with schema version %d\n", c.ID, c.SchemaVersion)
			continue
		}
		cores = append(cores, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cores: %w", err)
	}

	return cores, nil
}

// scanner abstracts sql.Row and sql.Rows for scanCore.
type scanner interface {
	Scan(dest ...any) error
}

func scanCore(row scanner) (*core.Core, error) {
	var c core.Core
	var trend, lastUpdated string
	var color, milestonesJSON, insight sql.NullString

	err := row.Scan(
		&c.ID,
		&c.Name,
		&color,
		&c.CurrentLevel,
		&c.PreviousLevel,
		&trend,
		&lastUpdated,
		&milestonesJSON,
		&insight,
		&c.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}

	c.Trend = core.Trend(trend)
	c.Color = color.String
	c.Insight = insight.String

	if t, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
		c.LastUpdated = t
	}

	if milestonesJSON.Valid && milestonesJSON.String != "" && milestonesJSON.String != "null" {
		if err := json.Unmarshal([]byte(milestonesJSON.String), &c.Milestones); err != nil {
			return nil, fmt.Errorf("failed to unmarshal milestones: %w", err)
		}
	}

	return &c, nil
}
