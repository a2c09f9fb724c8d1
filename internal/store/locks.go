package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// AcquireLease inserts the lease, or takes over an existing one that has expired
// at lease.AcquiredAt. Returns false when a live lease is held by anyone.
//
// The conditional upsert is a single statement, so two processes racing for the
// same tenant cannot both succeed.
func (s *Store) AcquireLease(ctx context.Context, lease model.Lock) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_locks (tenant_id, operation, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			operation = excluded.operation,
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at <= excluded.acquired_at
	`, lease.TenantID, lease.Operation, lease.Holder, lease.AcquiredAt.Unix(), lease.ExpiresAt.Unix())
	if err != nil {
		return false, fmt.Errorf("acquire lease for tenant %d: %w", lease.TenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease for tenant %d: rows affected: %w", lease.TenantID, err)
	}
	return n > 0, nil
}

// GetLease returns the tenant's lease row, live or expired, or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, tenantID int64) (model.Lock, error) {
	var l model.Lock
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, operation, holder, acquired_at, expires_at
		FROM sync_locks WHERE tenant_id = ?
	`, tenantID).Scan(&l.TenantID, &l.Operation, &l.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lock{}, fmt.Errorf("get lease for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.Lock{}, fmt.Errorf("get lease for tenant %d: %w", tenantID, err)
	}
	l.AcquiredAt = unixTime(acquired)
	l.ExpiresAt = unixTime(expires)
	return l, nil
}

// ListLeases returns every lease row ordered by tenant.
func (s *Store) ListLeases(ctx context.Context) ([]model.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, operation, holder, acquired_at, expires_at
		FROM sync_locks ORDER BY tenant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	leases := []model.Lock{}
	for rows.Next() {
		var l model.Lock
		var acquired, expires int64
		if err := rows.Scan(&l.TenantID, &l.Operation, &l.Holder, &acquired, &expires); err != nil {
			return nil, fmt.Errorf("list leases: scan: %w", err)
		}
		l.AcquiredAt = unixTime(acquired)
		l.ExpiresAt = unixTime(expires)
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return leases, nil
}

// DeleteLeaseHeld deletes the lease only if holder owns it.
func (s *Store) DeleteLeaseHeld(ctx context.Context, tenantID int64, holder string) (bool, error) {
	return s.deleteLease(ctx, `DELETE FROM sync_locks WHERE tenant_id = ? AND holder = ?`, tenantID, holder)
}

// DeleteExpiredLease deletes the lease only if it has expired at now.
func (s *Store) DeleteExpiredLease(ctx context.Context, tenantID int64, now time.Time) (bool, error) {
	return s.deleteLease(ctx, `DELETE FROM sync_locks WHERE tenant_id = ? AND expires_at <= ?`, tenantID, now.Unix())
}

// DeleteLease deletes the lease regardless of holder.
func (s *Store) DeleteLease(ctx context.Context, tenantID int64) (bool, error) {
	return s.deleteLease(ctx, `DELETE FROM sync_locks WHERE tenant_id = ?`, tenantID)
}

func (s *Store) deleteLease(ctx context.Context, query string, tenantID int64, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, append([]any{tenantID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("delete lease for tenant %d: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lease for tenant %d: rows affected: %w", tenantID, err)
	}
	return n > 0, nil
}
