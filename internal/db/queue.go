package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

// InsertUpdate persists a queued update immediately. Durability is the
// point: the row must survive a process restart, so there is no in-memory
// batching on the enqueue path.
func (db *DB) InsertUpdate(ctx context.Context, u *core.QueuedUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}

	payloadJSON, err := json.Marshal(u.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
	INSERT INTO queue (
		id, core_id, payload, created_at, priority, retry_count,
		status, next_attempt_at, last_error, schema_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.conn.ExecContext(ctx, query,
		u.ID,
		u.CoreID,
		string(payloadJSON),
		u.Timestamp.UTC().Format(time.RFC3339Nano),
		u.Priority,
		u.RetryCount,
		string(u.Status),
		timeToNullString(u.NextAttemptAt),
		u.LastError,
		u.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert update %s: %w", u.ID, err)
	}

	return nil
}

// QueueCounts aggregates queue rows by status.
type QueueCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Abandoned  int
}

// CountUpdates returns per-status queue counts. Abandoned counts come
// from the dead_letter table.
func (db *DB) CountUpdates(ctx context.Context) (QueueCounts, error) {
	var counts QueueCounts

	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan count: %w", err)
		}
		switch core.UpdateStatus(status) {
		case core.StatusPending:
			counts.Pending = n
		case core.StatusProcessing:
			counts.Processing = n
		case core.StatusCompleted:
			counts.Completed = n
		case core.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("error iterating counts: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&counts.Abandoned); err != nil {
		return counts, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return counts, nil
}

// PendingUpdates returns up to limit pending updates that are due
// (next_attempt_at unset or in the past), ordered by priority DESC then
// created_at ASC. Limit <= 0 means no limit.
//
// Rows that fail to decode or carry an unknown schema version are purged
// and skipped: a corrupt queue degrades to an empty queue, never a crash.
func (db *DB) PendingUpdates(ctx context.Context, limit int) ([]*core.QueuedUpdate, error) {
	query := `
	SELECT id, core_id, payload, created_at, priority, retry_count,
	       status, next_attempt_at, last_error, schema_version
	FROM queue
	WHERE status = 'pending'
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY priority DESC, created_at ASC
	`
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending updates: %w", err)
	}
	defer rows.Close()

	var updates []*core.QueuedUpdate
	var corrupt []string
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: dropping unreadable queue row: %v\n", err)
			if u != nil && u.ID != "" {
				corrupt = append(corrupt, u.ID)
			}
			continue
		}
		if u.SchemaVersion != core.SchemaVersion {
			fmt.Fprintf(os.Stderr, "Warning: dropping queue row %s with schema version %d\n", u.ID, u.SchemaVersion)
			corrupt = append(corrupt, u.ID)
			continue
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending updates: %w", err)
	}

	for _, id := range corrupt {
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to purge corrupt row %s: %v\n", id, err)
		}
	}

	return updates, nil
}

// MarkProcessing transitions the given pending rows to processing in one
// transaction, stamping processing_since so the watchdog can reclaim
// them if the batch dies mid-flight.
func (db *DB) MarkProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue SET status = 'processing', processing_since = ? WHERE id = ? AND status = 'pending'`,
			now, id)
		if err != nil {
			return fmt.Errorf("failed to mark %s processing: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s: %w", id, core.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit processing marks: %w", err)
	}
	return nil
}

// MarkCompleted transitions a processing row to completed.
func (db *DB) MarkCompleted(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE queue SET status = 'completed', processing_since = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", id, err)
	}
	return nil
}

// MarkDiscarded removes a row that lost conflict resolution. Losers are
// discarded after resolution, never silently merged.
func (db *DB) MarkDiscarded(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to discard %s: %w", id, err)
	}
	return nil
}

// Requeue returns a processing row to pending with an incremented retry
// count and a backoff deadline before the next attempt.
func (db *DB) Requeue(ctx context.Context, id string, retryCount int, nextAttempt time.Time, lastErr string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE queue
		SET status = 'pending', retry_count = ?, next_attempt_at = ?,
		    processing_since = NULL, last_error = ?
		WHERE id = ?`,
		retryCount, nextAttempt.UTC().Format(time.RFC3339Nano), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	return nil
}

// Abandon moves a row to the dead_letter table. Abandoned updates are
// terminal: reported, never retried.
func (db *DB) Abandon(ctx context.Context, u *core.QueuedUpdate, reason string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	payloadJSON, err := json.Marshal(u.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter (id, core_id, payload, created_at, retry_count, abandoned_at, reason, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		u.ID, u.CoreID, string(payloadJSON),
		u.Timestamp.UTC().Format(time.RFC3339Nano),
		u.RetryCount,
		time.Now().UTC().Format(time.RFC3339Nano),
		reason, u.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", u.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, u.ID); err != nil {
		return fmt.Errorf("failed to remove abandoned row %s: %w", u.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit abandonment of %s: %w", u.ID, err)
	}
	return nil
}

// ReclaimStuck returns processing rows older than the deadline to
// pending. Connectivity loss mid-batch must not leave rows marked
// processing indefinitely.
func (db *DB) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE queue
		SET status = 'pending', processing_since = NULL
		WHERE status = 'processing' AND processing_since <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck updates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim count: %w", err)
	}
	return int(n), nil
}

// DropLowestPriority deletes the lowest-priority, oldest pending row and
// returns its id. Used by the capacity backpressure policy when the
// queue is full. Returns core.ErrNotFound when nothing is pending.
func (db *DB) DropLowestPriority(ctx context.Context) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id FROM queue
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no pending updates: %w", core.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to find drop candidate: %w", err)
	}

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to drop %s: %w", id, err)
	}
	return id, nil
}

// PruneCompleted deletes completed rows older than the retention window,
// keeping the queue table bounded.
func (db *DB) PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM queue WHERE status = 'completed' AND created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed updates: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeadLetters lists abandoned updates, newest first.
func (db *DB) DeadLetters(ctx context.Context, limit int) ([]*core.QueuedUpdate, error) {
	query := `
	SELECT id, core_id, payload, created_at, retry_count, reason, schema_version
	FROM dead_letter
	ORDER BY abandoned_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var updates []*core.QueuedUpdate
	for rows.Next() {
		var u core.QueuedUpdate
		var payloadJSON, createdAt string
		var reason sql.NullString

		if err := rows.Scan(&u.ID, &u.CoreID, &payloadJSON, &createdAt, &u.RetryCount, &reason, &u.SchemaVersion); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable dead letter row: %v\n", err)
			continue
		}
		if err := json.Unmarshal([]byte(payloadJSON), &u.Payload); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping dead letter %s with bad payload: %v\n", u.ID, err)
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			u.Timestamp = t
		}
		u.Status = core.StatusAbandoned
		u.LastError = reason.String
		updates = append(updates, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return updates, nil
}

func scanUpdate(rows *sql.Rows) (*core.QueuedUpdate, error) {
	var u core.QueuedUpdate
	var payloadJSON, createdAt, status string
	var nextAttempt, lastErr sql.NullString

	err := rows.Scan(
		&u.ID,
		&u.CoreID,
		&payloadJSON,
		&createdAt,
		&u.Priority,
		&u.RetryCount,
		&status,
		&nextAttempt,
		&lastErr,
		&u.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}

	u.Status = core.UpdateStatus(status)
	u.LastError = lastErr.String

	if err := json.Unmarshal([]byte(payloadJSON), &u.Payload); err != nil {
		return &u, fmt.Errorf("failed to unmarshal payload for %s: %w", u.ID, err)
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return &u, fmt.Errorf("failed to parse created_at for %s: %w", u.ID, err)
	}
	u.Timestamp = t

	if nextAttempt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextAttempt.String); err == nil {
			u.NextAttemptAt = t
		}
	}

	return &u, nil
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
