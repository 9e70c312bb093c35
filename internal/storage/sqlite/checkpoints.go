// Package sqlite keeps batch job checkpoints in a local SQLite file, apart
// from the ledger database, so a job can resume after the process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    job        TEXT PRIMARY KEY,
    position   TEXT NOT NULL,
    processed  INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);`

// CheckpointStore implements interfaces.CheckpointStore on SQLite.
type CheckpointStore struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(path string) (*CheckpointStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps SQLITE_BUSY out of concurrent job saves
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Close closes the SQLite handle.
func (c *CheckpointStore) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, job string) (interfaces.Checkpoint, bool, error) {
	const query = `SELECT job, position, processed, updated_at FROM checkpoints WHERE job = ?`

	var (
		cp        interfaces.Checkpoint
		updatedAt int64
	)
	err := c.db.QueryRowContext(ctx, query, job).Scan(&cp.Job, &cp.Position, &cp.Processed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Checkpoint{}, false, nil
	}
	if err != nil {
		return interfaces.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", job, err)
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, true, nil
}

func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint interfaces.Checkpoint) error {
	const query = `INSERT INTO checkpoints (job, position, processed, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(job) DO UPDATE SET position = excluded.position, processed = excluded.processed,
		updated_at = excluded.updated_at`

	if strings.TrimSpace(checkpoint.Job) == "" {
		return fmt.Errorf("checkpoint job is required")
	}
	if _, err := c.db.ExecContext(ctx, query, checkpoint.Job, checkpoint.Position, checkpoint.Processed,
		toMillis(checkpoint.UpdatedAt)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", checkpoint.Job, err)
	}
	return nil
}

func (c *CheckpointStore) ClearCheckpoint(ctx context.Context, job string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job = ?`, job); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", job, err)
	}
	return nil
}

var _ interfaces.CheckpointStore = (*CheckpointStore)(nil)
