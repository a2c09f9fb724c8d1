package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

// RegenerationStore is the subset of the record store used by RegenerationQueue.
type RegenerationStore interface {
	UpsertRegeneration(ctx context.Context, tenantID int64, reason, triggeredBy string, now time.Time) (bool, error)
	LatestRegeneration(ctx context.Context, tenantID int64) (model.RegenerationRequest, error)
	HasPendingRegeneration(ctx context.Context, tenantID int64) (bool, error)
	PendingRegenerations(ctx context.Context) ([]model.RegenerationRequest, error)
	ClaimRegeneration(ctx context.Context, id int64, now time.Time) (bool, error)
	UnclaimRegeneration(ctx context.Context, id int64) error
	DeleteRegeneration(ctx context.Context, id int64) error
	FailRegeneration(ctx context.Context, id int64, errMsg string, now time.Time) error
	ResetStaleRegenerations(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeRegenerations(ctx context.Context, cutoff time.Time) (int64, error)
}

// RegenFunc rebuilds and pushes the tenant snapshot for req. Returning
// ErrTenantBusy puts the request back to pending.
type RegenFunc func(ctx context.Context, req model.RegenerationRequest) error

// Outcome of processing one request.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota + 1
	OutcomeFailed
	OutcomeDeferred
	// OutcomeClaimedElsewhere means another worker claimed the request first.
	OutcomeClaimedElsewhere
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeClaimedElsewhere:
		return "claimed_elsewhere"
	default:
		return "unknown"
	}
}

// RegenResult summarizes a drain of pending requests.
type RegenResult struct {
	Succeeded int
	Failed    int
	Deferred  int
}

// Record counts one outcome.
func (r *RegenResult) Record(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDeferred:
		r.Deferred++
	}
}

// RegenerationQueue holds one pending rebuild request per tenant.
type RegenerationQueue struct {
	store RegenerationStore
	clock clock.Clock
}

// NewRegenerationQueue creates a regeneration queue.
func NewRegenerationQueue(s RegenerationStore, clk clock.Clock) *RegenerationQueue {
	if clk == nil {
		clk = clock.Real()
	}
	return &RegenerationQueue{store: s, clock: clk}
}

// Request records a pending rebuild for the tenant. Returns true when a new
// request was created, false when it merged into an existing pending one.
func (q *RegenerationQueue) Request(ctx context.Context, tenantID int64, reason, triggeredBy string) (bool, error) {
	created, err := q.store.UpsertRegeneration(ctx, tenantID, reason, triggeredBy, q.clock.Now())
	if err != nil {
		return false, fmt.Errorf("request regeneration: %w", err)
	}
	slog.Info("regeneration requested",
		"tenant_id", tenantID,
		"reason", reason,
		"triggered_by", triggeredBy,
		"merged", !created)
	return created, nil
}

// Status returns the tenant's most recent request. The second result is false
// when none exists.
func (q *RegenerationQueue) Status(ctx context.Context, tenantID int64) (model.RegenerationRequest, bool, error) {
	req, err := q.store.LatestRegeneration(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return model.RegenerationRequest{}, false, nil
	}
	if err != nil {
		return model.RegenerationRequest{}, false, fmt.Errorf("regeneration status: %w", err)
	}
	return req, true, nil
}

// HasPending reports whether the tenant has a pending request.
func (q *RegenerationQueue) HasPending(ctx context.Context, tenantID int64) (bool, error) {
	ok, err := q.store.HasPendingRegeneration(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("has pending regeneration: %w", err)
	}
	return ok, nil
}

// Pending returns pending requests, oldest first.
func (q *RegenerationQueue) Pending(ctx context.Context) ([]model.RegenerationRequest, error) {
	reqs, err := q.store.PendingRegenerations(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending regenerations: %w", err)
	}
	return reqs, nil
}

// Process claims req and runs fn. On success the request is deleted; on failure it
// is marked failed with the error; ErrTenantBusy returns it to pending.
func (q *RegenerationQueue) Process(ctx context.Context, req model.RegenerationRequest, fn RegenFunc) (Outcome, error) {
	claimed, err := q.store.ClaimRegeneration(ctx, req.ID, q.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("process regeneration %d: %w", req.ID, err)
	}
	if !claimed {
		return OutcomeClaimedElsewhere, nil
	}

	runErr := fn(ctx, req)

	// Settle with a context that survives cancellation so a claim is never stranded.
	settle := context.WithoutCancel(ctx)
	switch {
	case errors.Is(runErr, ErrTenantBusy):
		if err := q.store.UnclaimRegeneration(settle, req.ID); err != nil {
			return 0, fmt.Errorf("process regeneration %d: %w", req.ID, err)
		}
		slog.Info("regeneration deferred, tenant locked", "tenant_id", req.TenantID, "request_id", req.ID)
		return OutcomeDeferred, nil
	case runErr != nil:
		if err := q.store.FailRegeneration(settle, req.ID, runErr.Error(), q.clock.Now()); err != nil {
			return 0, fmt.Errorf("process regeneration %d: %w", req.ID, err)
		}
		slog.Error("regeneration failed", "tenant_id", req.TenantID, "request_id", req.ID, "error", runErr)
		return OutcomeFailed, nil
	default:
		if err := q.store.DeleteRegeneration(settle, req.ID); err != nil {
			return 0, fmt.Errorf("process regeneration %d: %w", req.ID, err)
		}
		slog.Info("regeneration completed", "tenant_id", req.TenantID, "request_id", req.ID)
		return OutcomeSucceeded, nil
	}
}

// DrainPending processes every pending request sequentially, oldest first.
func (q *RegenerationQueue) DrainPending(ctx context.Context, fn RegenFunc) (RegenResult, error) {
	var result RegenResult

	reqs, err := q.Pending(ctx)
	if err != nil {
		return result, err
	}
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := q.Process(ctx, req, fn)
		if err != nil {
			return result, err
		}
		result.Record(outcome)
	}
	return result, nil
}

// ResetStale returns requests stuck in processing for longer than olderThan to
// pending. These belong to workers that crashed mid-rebuild.
func (q *RegenerationQueue) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.ResetStaleRegenerations(ctx, q.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale regenerations: %w", err)
	}
	if n > 0 {
		slog.Warn("stale regenerations reset", "count", n)
	}
	return n, nil
}

// Purge deletes finished requests older than retention.
func (q *RegenerationQueue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.store.PurgeRegenerations(ctx, q.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge regenerations: %w", err)
	}
	return n, nil
}
