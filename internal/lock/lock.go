// Package lock provides per-tenant mutual exclusion across processes.
//
// A lock is a lease row in the record store. Acquire is a single conditional
// upsert that only succeeds when no live lease exists, so independent processes
// sharing the database never both hold a tenant. Leases expire after the TTL,
// which recovers tenants whose holder crashed without releasing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

// DefaultTTL is the lease lifetime.
const DefaultTTL = time.Hour

// LeaseStore is the subset of the record store the manager needs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, lease model.Lock) (bool, error)
	GetLease(ctx context.Context, tenantID int64) (model.Lock, error)
	ListLeases(ctx context.Context) ([]model.Lock, error)
	DeleteLeaseHeld(ctx context.Context, tenantID int64, holder string) (bool, error)
	DeleteExpiredLease(ctx context.Context, tenantID int64, now time.Time) (bool, error)
	DeleteLease(ctx context.Context, tenantID int64) (bool, error)
}

// Manager acquires and releases tenant leases on behalf of one holder.
type Manager struct {
	store  LeaseStore
	clock  clock.Clock
	ttl    time.Duration
	holder string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithHolder sets the holder ID. By default every Manager gets a fresh UUIDv7.
func WithHolder(holder string) Option {
	return func(m *Manager) { m.holder = holder }
}

// NewManager creates a lock manager.
func NewManager(s LeaseStore, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		clock:  clock.Real(),
		ttl:    DefaultTTL,
		holder: uuid.Must(uuid.NewV7()).String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Holder returns the ID written on leases this manager acquires.
func (m *Manager) Holder() string {
	return m.holder
}

// TTL returns the lease lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire takes the tenant lease for operation. It returns false without error
// when another live lease exists; contention is not an error.
func (m *Manager) TryAcquire(ctx context.Context, tenantID int64, operation string) (bool, error) {
	now := m.clock.Now()
	ok, err := m.store.AcquireLease(ctx, model.Lock{
		TenantID:   tenantID,
		Operation:  operation,
		Holder:     m.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	})
	if err != nil {
		return false, fmt.Errorf("try acquire tenant %d: %w", tenantID, err)
	}
	if ok {
		slog.Debug("lock acquired", "tenant_id", tenantID, "operation", operation, "holder", m.holder)
	} else {
		slog.Debug("lock busy", "tenant_id", tenantID, "operation", operation)
	}
	return ok, nil
}

// IsLocked reports whether a live lease exists. An expired lease is deleted and
// reported as unlocked.
func (m *Manager) IsLocked(ctx context.Context, tenantID int64) (bool, error) {
	lease, err := m.store.GetLease(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is locked tenant %d: %w", tenantID, err)
	}

	now := m.clock.Now()
	if !lease.Expired(now) {
		return true, nil
	}

	removed, err := m.store.DeleteExpiredLease(ctx, tenantID, now)
	if err != nil {
		return false, fmt.Errorf("is locked tenant %d: %w", tenantID, err)
	}
	if removed {
		slog.Warn("expired lock removed",
			"tenant_id", tenantID,
			"operation", lease.Operation,
			"holder", lease.Holder,
			"acquired_at", lease.AcquiredAt)
	}
	return false, nil
}

// Release deletes the tenant lease if this manager holds it. Releasing an absent
// or foreign lease returns false and is not an error.
func (m *Manager) Release(ctx context.Context, tenantID int64) (bool, error) {
	ok, err := m.store.DeleteLeaseHeld(ctx, tenantID, m.holder)
	if err != nil {
		return false, fmt.Errorf("release tenant %d: %w", tenantID, err)
	}
	if ok {
		slog.Debug("lock released", "tenant_id", tenantID, "holder", m.holder)
	}
	return ok, nil
}

// ForceRelease deletes the tenant lease regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, tenantID int64) (bool, error) {
	ok, err := m.store.DeleteLease(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("force release tenant %d: %w", tenantID, err)
	}
	if ok {
		slog.Warn("lock force-released", "tenant_id", tenantID)
	}
	return ok, nil
}

// Get returns the tenant's live lease. The second result is false when the tenant
// is unlocked.
func (m *Manager) Get(ctx context.Context, tenantID int64) (model.Lock, bool, error) {
	lease, err := m.store.GetLease(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Lock{}, false, nil
	}
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("get lock tenant %d: %w", tenantID, err)
	}
	if lease.Expired(m.clock.Now()) {
		return model.Lock{}, false, nil
	}
	return lease, true, nil
}

// List returns every live lease.
func (m *Manager) List(ctx context.Context) ([]model.Lock, error) {
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	now := m.clock.Now()
	live := []model.Lock{}
	for _, l := range leases {
		if !l.Expired(now) {
			live = append(live, l)
		}
	}
	return live, nil
}

// WithLock runs fn while holding the tenant lease. acquired is false, and fn is not
// called, when the tenant is locked. The lease is released on every return path.
func (m *Manager) WithLock(ctx context.Context, tenantID int64, operation string, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := m.TryAcquire(ctx, tenantID, operation)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the tenant.
		if _, relErr := m.Release(context.WithoutCancel(ctx), tenantID); relErr != nil {
			slog.Error("lock release failed", "tenant_id", tenantID, "error", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()
	return true, fn(ctx)
}
