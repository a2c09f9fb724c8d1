package store

import (
	"context"
	"fmt"

	"github.com/roach88/compsync/internal/model"
)

// InsertAttempt appends a row to the attempt log and returns its ID.
// There is no update or delete path for attempts.
func (s *Store) InsertAttempt(ctx context.Context, a model.SyncAttempt) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts
		(tenant_id, user_id, course_id, user_email, course_name, synced_at,
		 request_payload, response_payload, status, error_message, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.TenantID,
		a.UserID,
		a.CourseID,
		a.UserEmail,
		a.CourseName,
		a.SyncedAt.Unix(),
		a.RequestPayload,
		a.ResponsePayload,
		a.Status,
		a.ErrorMessage,
		a.CorrelationID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert attempt: last insert id: %w", err)
	}
	return id, nil
}

// ListAttempts returns the newest attempts, for one tenant or all when tenantID is 0.
func (s *Store) ListAttempts(ctx context.Context, tenantID int64, limit int) ([]model.SyncAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, course_id, user_email, course_name, synced_at,
		       request_payload, response_payload, status, error_message, correlation_id
		FROM sync_attempts
		WHERE ? = 0 OR tenant_id = ?
		ORDER BY synced_at DESC, id DESC
		LIMIT ?
	`, tenantID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := []model.SyncAttempt{}
	for rows.Next() {
		var a model.SyncAttempt
		var synced int64
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.CourseID, &a.UserEmail, &a.CourseName,
			&synced, &a.RequestPayload, &a.ResponsePayload, &a.Status, &a.ErrorMessage, &a.CorrelationID); err != nil {
			return nil, fmt.Errorf("list attempts: scan: %w", err)
		}
		a.SyncedAt = unixTime(synced)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}

// CountAttempts returns attempt counts per status for the tenant (all when 0).
func (s *Store) CountAttempts(ctx context.Context, tenantID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_attempts
		WHERE ? = 0 OR tenant_id = ?
		GROUP BY status
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count attempts: scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	return counts, nil
}
