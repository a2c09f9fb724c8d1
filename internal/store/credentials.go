package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// SaveCredential soft-deletes the tenant's live credential and inserts cred as the
// new live one, in one transaction.
func (s *Store) SaveCredential(ctx context.Context, cred model.Credential, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save credential: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials SET deleted = 1, updated_at = ?
		WHERE tenant_id = ? AND deleted = 0
	`, now.Unix(), cred.TenantID); err != nil {
		return 0, fmt.Errorf("save credential: retire previous: %w", err)
	}

	status := cred.Status
	if status == "" {
		status = model.CredentialStatusActive
	}
	grant := cred.GrantType
	if grant == "" {
		grant = "client_credentials"
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credentials
		(tenant_id, client_id, client_secret, scope, grant_type, status, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, cred.TenantID, cred.ClientID, cred.ClientSecret, cred.Scope, grant, status, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("save credential: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save credential: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save credential: commit: %w", err)
	}
	return id, nil
}

// ActiveCredential returns the tenant's live credential with status active,
// or ErrNotFound.
func (s *Store) ActiveCredential(ctx context.Context, tenantID int64) (model.Credential, error) {
	var c model.Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, client_id, client_secret, scope, grant_type, status
		FROM credentials
		WHERE tenant_id = ? AND deleted = 0 AND status = ?
	`, tenantID, model.CredentialStatusActive).Scan(
		&c.ID, &c.TenantID, &c.ClientID, &c.ClientSecret, &c.Scope, &c.GrantType, &c.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, fmt.Errorf("active credential for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("active credential for tenant %d: %w", tenantID, err)
	}
	return c, nil
}

// DeleteCredential soft-deletes the tenant's live credential. Returns false if
// there was none.
func (s *Store) DeleteCredential(ctx context.Context, tenantID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET deleted = 1, updated_at = ?
		WHERE tenant_id = ? AND deleted = 0
	`, now.Unix(), tenantID)
	if err != nil {
		return false, fmt.Errorf("delete credential for tenant %d: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete credential for tenant %d: rows affected: %w", tenantID, err)
	}
	return n > 0, nil
}
