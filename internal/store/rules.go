package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// GetRule returns the tenant's sync rule or ErrNotFound.
func (s *Store) GetRule(ctx context.Context, tenantID int64) (model.SyncRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, frameworks, courses, completion_mode, resource_id
		FROM sync_rules WHERE tenant_id = ?
	`, tenantID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRule{}, fmt.Errorf("get rule for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.SyncRule{}, fmt.Errorf("get rule for tenant %d: %w", tenantID, err)
	}
	return r, nil
}

// ListRules returns every rule ordered by tenant.
func (s *Store) ListRules(ctx context.Context) ([]model.SyncRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, frameworks, courses, completion_mode, resource_id
		FROM sync_rules ORDER BY tenant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []model.SyncRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("list rules: scan: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// SaveRule upserts the tenant's rule.
func (s *Store) SaveRule(ctx context.Context, r model.SyncRule, now time.Time) error {
	frameworks := r.Frameworks
	if frameworks == nil {
		frameworks = []string{}
	}
	courses := r.Courses
	if courses == nil {
		courses = []int64{}
	}
	fwJSON, err := json.Marshal(frameworks)
	if err != nil {
		return fmt.Errorf("save rule: marshal frameworks: %w", err)
	}
	coursesJSON, err := json.Marshal(courses)
	if err != nil {
		return fmt.Errorf("save rule: marshal courses: %w", err)
	}
	mode := r.CompletionMode
	if mode == "" {
		mode = model.ModeAny
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_rules (tenant_id, frameworks, courses, completion_mode, resource_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			frameworks = excluded.frameworks,
			courses = excluded.courses,
			completion_mode = excluded.completion_mode,
			resource_id = excluded.resource_id,
			updated_at = excluded.updated_at
	`, r.TenantID, string(fwJSON), string(coursesJSON), string(mode), r.ResourceID, now.Unix())
	if err != nil {
		return fmt.Errorf("save rule for tenant %d: %w", r.TenantID, err)
	}
	return nil
}

// DeleteRule removes the tenant's rule. Returns false if there was none.
func (s *Store) DeleteRule(ctx context.Context, tenantID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_rules WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return false, fmt.Errorf("delete rule for tenant %d: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rule for tenant %d: rows affected: %w", tenantID, err)
	}
	return n > 0, nil
}

func scanRule(r rowScanner) (model.SyncRule, error) {
	var rule model.SyncRule
	var fwJSON, coursesJSON, mode string
	if err := r.Scan(&rule.TenantID, &fwJSON, &coursesJSON, &mode, &rule.ResourceID); err != nil {
		return model.SyncRule{}, err
	}
	if err := json.Unmarshal([]byte(fwJSON), &rule.Frameworks); err != nil {
		return model.SyncRule{}, fmt.Errorf("decode frameworks: %w", err)
	}
	if err := json.Unmarshal([]byte(coursesJSON), &rule.Courses); err != nil {
		return model.SyncRule{}, fmt.Errorf("decode courses: %w", err)
	}
	rule.CompletionMode = model.CompletionMode(mode)
	return rule, nil
}
