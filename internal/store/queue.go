package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// EnqueueCompletion inserts a pending row or merges into the existing pending row
// for (user, course, tenant): the reason is replaced and queued_at refreshed.
// Returns true when a new row was inserted.
func (s *Store) EnqueueCompletion(ctx context.Context, userID, courseID, tenantID int64, reason string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("enqueue completion: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM completion_queue
		WHERE user_id = ? AND course_id = ? AND tenant_id = ? AND status = ?
	`, userID, courseID, tenantID, model.StatusPending).Scan(&existing); err != nil {
		return false, fmt.Errorf("enqueue completion: check pending: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completion_queue (user_id, course_id, tenant_id, reason, status, attempts, queued_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id, course_id, tenant_id) WHERE status = 'pending' DO UPDATE SET
			reason = excluded.reason,
			queued_at = excluded.queued_at
	`, userID, courseID, tenantID, reason, model.StatusPending, now.Unix())
	if err != nil {
		return false, fmt.Errorf("enqueue completion: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("enqueue completion: commit: %w", err)
	}
	return existing == 0, nil
}

// PendingCompletions returns up to limit pending rows for the tenant, oldest first.
func (s *Store) PendingCompletions(ctx context.Context, tenantID int64, limit int) ([]model.QueuedCompletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queuedColumns+` FROM completion_queue
		WHERE tenant_id = ? AND status = ?
		ORDER BY queued_at ASC, id ASC
		LIMIT ?
	`, tenantID, model.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending completions: %w", err)
	}
	return collectQueued(rows)
}

// ListQueuedCompletions returns the tenant's queue rows of any status, newest first.
func (s *Store) ListQueuedCompletions(ctx context.Context, tenantID int64, limit int) ([]model.QueuedCompletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queuedColumns+` FROM completion_queue
		WHERE tenant_id = ?
		ORDER BY queued_at DESC, id DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued completions: %w", err)
	}
	return collectQueued(rows)
}

// TenantsWithPendingCompletions returns tenants that have pending rows, ordered by
// their oldest pending row.
func (s *Store) TenantsWithPendingCompletions(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM completion_queue
		WHERE status = ?
		GROUP BY tenant_id
		ORDER BY MIN(queued_at) ASC, tenant_id ASC
	`, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("tenants with pending completions: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tenants with pending completions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenants with pending completions: %w", err)
	}
	return ids, nil
}

// CompleteQueued marks a row completed.
func (s *Store) CompleteQueued(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE completion_queue SET status = ?, attempts = attempts + 1, last_error = '', processed_at = ?
		WHERE id = ? AND status = ?
	`, model.StatusCompleted, now.Unix(), id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("complete queued %d: %w", id, err)
	}
	return nil
}

// FailQueued records a failed attempt. The row becomes failed once attempts
// reaches maxAttempts; otherwise it stays pending. Returns the resulting status.
func (s *Store) FailQueued(ctx context.Context, id int64, errMsg string, maxAttempts int, now time.Time) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE completion_queue SET
			attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END,
			processed_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE processed_at END
		WHERE id = ? AND status = ?
		RETURNING status
	`, errMsg, maxAttempts, model.StatusFailed, maxAttempts, now.Unix(), id, model.StatusPending).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("fail queued %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("fail queued %d: %w", id, err)
	}
	return status, nil
}

// CountQueued returns row counts per status, for one tenant or all when tenantID is 0.
func (s *Store) CountQueued(ctx context.Context, tenantID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM completion_queue
		WHERE ? = 0 OR tenant_id = ?
		GROUP BY status
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count queued: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count queued: scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count queued: %w", err)
	}
	return counts, nil
}

// PurgeQueued deletes completed and failed rows processed before cutoff.
func (s *Store) PurgeQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM completion_queue
		WHERE status IN (?, ?) AND COALESCE(processed_at, queued_at) < ?
	`, model.StatusCompleted, model.StatusFailed, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge queued: rows affected: %w", err)
	}
	return n, nil
}

const queuedColumns = `id, user_id, course_id, tenant_id, reason, status, attempts, last_error, queued_at, processed_at`

func collectQueued(rows *sql.Rows) ([]model.QueuedCompletion, error) {
	defer rows.Close()

	out := []model.QueuedCompletion{}
	for rows.Next() {
		var q model.QueuedCompletion
		var queued int64
		var processed sql.NullInt64
		if err := rows.Scan(&q.ID, &q.UserID, &q.CourseID, &q.TenantID, &q.Reason, &q.Status,
			&q.Attempts, &q.LastError, &queued, &processed); err != nil {
			return nil, fmt.Errorf("scan queued completion: %w", err)
		}
		q.QueuedAt = unixTime(queued)
		q.ProcessedAt = timePtr(processed)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan queued completions: %w", err)
	}
	return out, nil
}
