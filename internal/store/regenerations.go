package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// UpsertRegeneration records a pending request for the tenant, or refreshes the
// existing pending one (reason, triggered_by, queued_at). Returns true when a new
// request was created.
func (s *Store) UpsertRegeneration(ctx context.Context, tenantID int64, reason, triggeredBy string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("upsert regeneration: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE regeneration_requests SET reason = ?, triggered_by = ?, queued_at = ?
		WHERE tenant_id = ? AND status = ?
	`, reason, triggeredBy, now.Unix(), tenantID, model.StatusPending)
	if err != nil {
		return false, fmt.Errorf("upsert regeneration: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert regeneration: rows affected: %w", err)
	}

	created := false
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO regeneration_requests (tenant_id, reason, status, triggered_by, queued_at)
			VALUES (?, ?, ?, ?, ?)
		`, tenantID, reason, model.StatusPending, triggeredBy, now.Unix()); err != nil {
			return false, fmt.Errorf("upsert regeneration: insert: %w", err)
		}
		created = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert regeneration: commit: %w", err)
	}
	return created, nil
}

// LatestRegeneration returns the tenant's most recent request or ErrNotFound.
func (s *Store) LatestRegeneration(ctx context.Context, tenantID int64) (model.RegenerationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+regenColumns+` FROM regeneration_requests
		WHERE tenant_id = ?
		ORDER BY queued_at DESC, id DESC
		LIMIT 1
	`, tenantID)
	r, err := scanRegeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RegenerationRequest{}, fmt.Errorf("latest regeneration for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.RegenerationRequest{}, fmt.Errorf("latest regeneration for tenant %d: %w", tenantID, err)
	}
	return r, nil
}

// HasPendingRegeneration reports whether the tenant has a pending request.
func (s *Store) HasPendingRegeneration(ctx context.Context, tenantID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM regeneration_requests WHERE tenant_id = ? AND status = ?
	`, tenantID, model.StatusPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has pending regeneration for tenant %d: %w", tenantID, err)
	}
	return n > 0, nil
}

// PendingRegenerations returns pending requests, oldest first.
func (s *Store) PendingRegenerations(ctx context.Context) ([]model.RegenerationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+regenColumns+` FROM regeneration_requests
		WHERE status = ?
		ORDER BY queued_at ASC, id ASC
	`, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending regenerations: %w", err)
	}
	defer rows.Close()

	out := []model.RegenerationRequest{}
	for rows.Next() {
		r, err := scanRegeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("pending regenerations: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending regenerations: %w", err)
	}
	return out, nil
}

// ClaimRegeneration moves a pending request to processing. Returns false if it
// was no longer pending.
func (s *Store) ClaimRegeneration(ctx context.Context, id int64, now time.Time) (bool, error) {
	return s.execAffected(ctx, "claim regeneration", `
		UPDATE regeneration_requests SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, model.StatusProcessing, now.Unix(), id, model.StatusPending)
}

// UnclaimRegeneration returns a processing request to pending. If a newer pending
// request for the tenant exists, the processing one is deleted instead.
func (s *Store) UnclaimRegeneration(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unclaim regeneration: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM regeneration_requests
		WHERE id = ? AND status = ? AND EXISTS (
			SELECT 1 FROM regeneration_requests p
			WHERE p.tenant_id = regeneration_requests.tenant_id AND p.status = ?
		)
	`, id, model.StatusProcessing, model.StatusPending); err != nil {
		return fmt.Errorf("unclaim regeneration: drop superseded: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE regeneration_requests SET status = ?, started_at = NULL
		WHERE id = ? AND status = ?
	`, model.StatusPending, id, model.StatusProcessing); err != nil {
		return fmt.Errorf("unclaim regeneration: reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unclaim regeneration: commit: %w", err)
	}
	return nil
}

// DeleteRegeneration removes a request after it succeeded.
func (s *Store) DeleteRegeneration(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM regeneration_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete regeneration %d: %w", id, err)
	}
	return nil
}

// FailRegeneration marks a request failed with errMsg. Failed requests are not retried.
func (s *Store) FailRegeneration(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE regeneration_requests SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, model.StatusFailed, errMsg, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("fail regeneration %d: %w", id, err)
	}
	return nil
}

// ResetStaleRegenerations returns requests stuck in processing since before cutoff
// to pending, dropping any that a newer pending request supersedes.
func (s *Store) ResetStaleRegenerations(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset stale regenerations: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM regeneration_requests
		WHERE status = ? AND started_at < ? AND EXISTS (
			SELECT 1 FROM regeneration_requests p
			WHERE p.tenant_id = regeneration_requests.tenant_id AND p.status = ?
		)
	`, model.StatusProcessing, cutoff.Unix(), model.StatusPending); err != nil {
		return 0, fmt.Errorf("reset stale regenerations: drop superseded: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE regeneration_requests SET status = ?, started_at = NULL
		WHERE status = ? AND started_at < ?
	`, model.StatusPending, model.StatusProcessing, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("reset stale regenerations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale regenerations: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset stale regenerations: commit: %w", err)
	}
	return n, nil
}

// PurgeRegenerations deletes completed and failed requests finished before cutoff.
func (s *Store) PurgeRegenerations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM regeneration_requests
		WHERE status IN (?, ?) AND COALESCE(completed_at, queued_at) < ?
	`, model.StatusCompleted, model.StatusFailed, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge regenerations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge regenerations: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

const regenColumns = `id, tenant_id, reason, status, error_message, triggered_by, queued_at, started_at, completed_at`

func scanRegeneration(r rowScanner) (model.RegenerationRequest, error) {
	var req model.RegenerationRequest
	var queued int64
	var started, completed sql.NullInt64
	if err := r.Scan(&req.ID, &req.TenantID, &req.Reason, &req.Status, &req.ErrorMessage,
		&req.TriggeredBy, &queued, &started, &completed); err != nil {
		return model.RegenerationRequest{}, err
	}
	req.QueuedAt = unixTime(queued)
	req.StartedAt = timePtr(started)
	req.CompletedAt = timePtr(completed)
	return req, nil
}
