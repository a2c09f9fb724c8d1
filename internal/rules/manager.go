// Package rules manages per-tenant sync rules.
//
// A rule change invalidates the tenant's remote dataset, so saving a rule
// that differs from the stored one requests a regeneration. Rules can also be
// imported in bulk from CUE files; see Load.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

// Regeneration reasons recorded by the manager.
const (
	ReasonRuleCreated = "rule_created"
	ReasonRuleChanged = "rule_changed"
)

// Store is the rule persistence the manager needs.
type Store interface {
	GetRule(ctx context.Context, tenantID int64) (model.SyncRule, error)
	ListRules(ctx context.Context) ([]model.SyncRule, error)
	SaveRule(ctx context.Context, r model.SyncRule, now time.Time) error
	DeleteRule(ctx context.Context, tenantID int64) (bool, error)
}

// Regenerator queues a full rebuild of a tenant's dataset.
type Regenerator interface {
	Request(ctx context.Context, tenantID int64, reason, triggeredBy string) (bool, error)
}

// SaveResult reports what a save did.
type SaveResult struct {
	TenantID int64
	Created  bool
	Changed  bool
	// Queued is false when the request merged into an existing pending one.
	Queued bool
}

// Manager validates, stores and deletes rules.
type Manager struct {
	store Store
	regen Regenerator
	clock clock.Clock
}

// NewManager creates a rule manager.
func NewManager(s Store, regen Regenerator, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{store: s, regen: regen, clock: clk}
}

// Get returns the tenant's rule or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, tenantID int64) (model.SyncRule, error) {
	return m.store.GetRule(ctx, tenantID)
}

// List returns every rule.
func (m *Manager) List(ctx context.Context) ([]model.SyncRule, error) {
	return m.store.ListRules(ctx)
}

// Save validates and stores r. When the stored rule changes, a regeneration
// is requested on behalf of triggeredBy.
func (m *Manager) Save(ctx context.Context, r model.SyncRule, triggeredBy string) (SaveResult, error) {
	if errs := Validate(r); len(errs) > 0 {
		return SaveResult{}, joinValidation(errs)
	}
	r = Normalize(r)
	res := SaveResult{TenantID: r.TenantID}

	prev, err := m.store.GetRule(ctx, r.TenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		res.Created = true
		res.Changed = true
	case err != nil:
		return res, fmt.Errorf("save rule: %w", err)
	default:
		res.Changed = !Equal(prev, r)
	}
	if !res.Changed {
		return res, nil
	}

	if err := m.store.SaveRule(ctx, r, m.clock.Now()); err != nil {
		return res, err
	}

	reason := ReasonRuleChanged
	if res.Created {
		reason = ReasonRuleCreated
	}
	queued, err := m.regen.Request(ctx, r.TenantID, reason, triggeredBy)
	if err != nil {
		return res, fmt.Errorf("save rule: request regeneration: %w", err)
	}
	res.Queued = queued

	slog.Info("sync rule saved",
		"tenant_id", r.TenantID,
		"courses", len(r.Courses),
		"mode", r.CompletionMode,
		"created", res.Created,
		"regeneration_queued", queued)
	return res, nil
}

// Delete removes the tenant's rule. The remote dataset is left as last pushed.
func (m *Manager) Delete(ctx context.Context, tenantID int64) (bool, error) {
	deleted, err := m.store.DeleteRule(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("sync rule deleted", "tenant_id", tenantID)
	}
	return deleted, nil
}

// Import loads rules from path and saves them. Every rule is validated before
// any is stored, so a bad file changes nothing.
func (m *Manager) Import(ctx context.Context, path, triggeredBy string) ([]SaveResult, error) {
	loaded, err := Load(path)
	if err != nil {
		return nil, err
	}
	var all []ValidationError
	for _, r := range loaded {
		all = append(all, Validate(r)...)
	}
	if len(all) > 0 {
		return nil, joinValidation(all)
	}

	results := make([]SaveResult, 0, len(loaded))
	for _, r := range loaded {
		res, err := m.Save(ctx, r, triggeredBy)
		if err != nil {
			return results, fmt.Errorf("import tenant %d: %w", r.TenantID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Equal reports whether two rules select the same dataset.
func Equal(a, b model.SyncRule) bool {
	a, b = Normalize(a), Normalize(b)
	return a.TenantID == b.TenantID &&
		a.ResourceID == b.ResourceID &&
		a.CompletionMode == b.CompletionMode &&
		slices.Equal(a.Courses, b.Courses) &&
		slices.Equal(a.Frameworks, b.Frameworks)
}

func joinValidation(errs []ValidationError) error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return errors.Join(out...)
}
