package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
)

// DefaultMaxAttempts is the number of failed drains after which a row is terminal.
const DefaultMaxAttempts = 3

// ErrTenantBusy is returned by a SyncFunc when the tenant became locked between
// the drain's lock check and the sync itself. Rows stay pending and no attempt is
// counted.
var ErrTenantBusy = errors.New("tenant busy")

// CompletionStore is the subset of the record store used by CompletionQueue.
type CompletionStore interface {
	EnqueueCompletion(ctx context.Context, userID, courseID, tenantID int64, reason string, now time.Time) (bool, error)
	PendingCompletions(ctx context.Context, tenantID int64, limit int) ([]model.QueuedCompletion, error)
	TenantsWithPendingCompletions(ctx context.Context) ([]int64, error)
	CompleteQueued(ctx context.Context, id int64, now time.Time) error
	FailQueued(ctx context.Context, id int64, errMsg string, maxAttempts int, now time.Time) (string, error)
	CountQueued(ctx context.Context, tenantID int64) (map[string]int, error)
	PurgeQueued(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker reports whether a tenant currently holds a live lease.
type Locker interface {
	IsLocked(ctx context.Context, tenantID int64) (bool, error)
}

// SyncFunc synchronizes a tenant on behalf of the drained rows. Every push is a
// full tenant snapshot, so one call settles all rows passed to it.
type SyncFunc func(ctx context.Context, tenantID int64, items []model.QueuedCompletion) error

// DrainResult summarizes a drain pass.
type DrainResult struct {
	Processed  int
	Successful int
	Failed     int
	// Exhausted counts rows that reached the attempt limit in this pass.
	Exhausted int
	// SkippedTenants counts tenants passed over because they were locked.
	SkippedTenants int
}

// Add accumulates other into r.
func (r *DrainResult) Add(other DrainResult) {
	r.Processed += other.Processed
	r.Successful += other.Successful
	r.Failed += other.Failed
	r.Exhausted += other.Exhausted
	r.SkippedTenants += other.SkippedTenants
}

// CompletionQueue defers completion syncs for locked tenants.
type CompletionQueue struct {
	store       CompletionStore
	locks       Locker
	clock       clock.Clock
	maxAttempts int
}

// NewCompletionQueue creates a completion queue. maxAttempts <= 0 selects
// DefaultMaxAttempts.
func NewCompletionQueue(s CompletionStore, locks Locker, clk clock.Clock, maxAttempts int) *CompletionQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CompletionQueue{store: s, locks: locks, clock: clk, maxAttempts: maxAttempts}
}

// Enqueue records a deferred completion, merging into an existing pending row.
// Returns true when a new row was created.
func (q *CompletionQueue) Enqueue(ctx context.Context, userID, courseID, tenantID int64, reason string) (bool, error) {
	created, err := q.store.EnqueueCompletion(ctx, userID, courseID, tenantID, reason, q.clock.Now())
	if err != nil {
		return false, fmt.Errorf("enqueue completion: %w", err)
	}
	slog.Info("completion queued",
		"tenant_id", tenantID,
		"user_id", userID,
		"course_id", courseID,
		"reason", reason,
		"merged", !created)
	return created, nil
}

// Tenants returns tenants with pending rows, oldest first.
func (q *CompletionQueue) Tenants(ctx context.Context) ([]int64, error) {
	tenants, err := q.store.TenantsWithPendingCompletions(ctx)
	if err != nil {
		return nil, fmt.Errorf("queued tenants: %w", err)
	}
	return tenants, nil
}

// Drain processes up to limit pending rows. tenantID 0 drains every tenant with
// pending rows, oldest first.
func (q *CompletionQueue) Drain(ctx context.Context, tenantID int64, limit int, sync SyncFunc) (DrainResult, error) {
	var result DrainResult

	tenants := []int64{tenantID}
	if tenantID == 0 {
		var err error
		if tenants, err = q.Tenants(ctx); err != nil {
			return result, err
		}
	}

	for _, tid := range tenants {
		remaining := limit - result.Processed
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r, err := q.DrainTenant(ctx, tid, remaining, sync)
		result.Add(r)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// DrainTenant processes up to limit pending rows of one tenant in FIFO order.
// A locked tenant is skipped without touching its rows.
func (q *CompletionQueue) DrainTenant(ctx context.Context, tenantID int64, limit int, sync SyncFunc) (DrainResult, error) {
	var result DrainResult

	locked, err := q.locks.IsLocked(ctx, tenantID)
	if err != nil {
		return result, fmt.Errorf("drain tenant %d: %w", tenantID, err)
	}
	if locked {
		slog.Info("queue drain skipped, tenant locked", "tenant_id", tenantID)
		result.SkippedTenants = 1
		return result, nil
	}

	items, err := q.store.PendingCompletions(ctx, tenantID, limit)
	if err != nil {
		return result, fmt.Errorf("drain tenant %d: %w", tenantID, err)
	}
	if len(items) == 0 {
		return result, nil
	}

	syncErr := sync(ctx, tenantID, items)
	if errors.Is(syncErr, ErrTenantBusy) {
		slog.Info("queue drain deferred, tenant became busy", "tenant_id", tenantID, "items", len(items))
		result.SkippedTenants = 1
		return result, nil
	}

	now := q.clock.Now()
	for _, item := range items {
		result.Processed++
		if syncErr == nil {
			if err := q.store.CompleteQueued(ctx, item.ID, now); err != nil {
				return result, fmt.Errorf("drain tenant %d: %w", tenantID, err)
			}
			result.Successful++
			continue
		}

		status, err := q.store.FailQueued(ctx, item.ID, syncErr.Error(), q.maxAttempts, now)
		if err != nil {
			return result, fmt.Errorf("drain tenant %d: %w", tenantID, err)
		}
		result.Failed++
		if status == model.StatusFailed {
			result.Exhausted++
			slog.Warn("queued completion exhausted retries",
				"tenant_id", tenantID,
				"user_id", item.UserID,
				"course_id", item.CourseID,
				"attempts", item.Attempts+1,
				"error", syncErr)
		}
	}

	slog.Info("queue drained",
		"tenant_id", tenantID,
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed)
	return result, nil
}

// Counts returns row counts per status (all tenants when tenantID is 0).
func (q *CompletionQueue) Counts(ctx context.Context, tenantID int64) (map[string]int, error) {
	counts, err := q.store.CountQueued(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	return counts, nil
}

// Purge deletes terminal rows older than retention.
func (q *CompletionQueue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.store.PurgeQueued(ctx, q.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge completion queue: %w", err)
	}
	return n, nil
}
