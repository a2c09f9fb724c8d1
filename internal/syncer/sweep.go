package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nightlyone/lockfile"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	ID            string
	Skipped       bool
	Queue         queue.DrainResult
	Regenerations queue.RegenResult
	StaleReset    int64
	PurgedQueue   int64
	PurgedRegens  int64
	TenantErrors  int
	Duration      time.Duration
}

// CleanupResult counts purged rows.
type CleanupResult struct {
	Queue         int64
	Regenerations int64
}

// ProcessQueue drains the completion queue. tenantID 0 drains every tenant.
func (s *Syncer) ProcessQueue(ctx context.Context, tenantID int64, limit int) (queue.DrainResult, error) {
	if limit <= 0 {
		limit = s.opts.DrainLimit
	}
	res, err := s.completions.Drain(ctx, tenantID, limit, s.syncQueued)
	s.observeDrain(res)
	return res, err
}

// syncQueued settles drained rows with one full-snapshot sync.
func (s *Syncer) syncQueued(ctx context.Context, tenantID int64, items []model.QueuedCompletion) error {
	refs := make([]model.CompletionRef, len(items))
	for i, it := range items {
		refs[i] = model.CompletionRef{UserID: it.UserID, CourseID: it.CourseID}
	}
	_, err := s.SyncBatch(ctx, tenantID, model.CompletionRefBatch{Refs: refs}, model.OpCompletion)
	return err
}

// regenerate is the RegenFunc for queued regeneration requests.
func (s *Syncer) regenerate(ctx context.Context, req model.RegenerationRequest) error {
	_, err := s.SyncBatch(ctx, req.TenantID, nil, model.OpRegeneration)
	return err
}

// ProcessRegenerations runs every pending regeneration request.
func (s *Syncer) ProcessRegenerations(ctx context.Context) (queue.RegenResult, error) {
	res, err := s.regens.DrainPending(ctx, s.regenerate)
	s.observeRegens(res)
	return res, err
}

// RequestRegeneration queues a rebuild for the tenant.
func (s *Syncer) RequestRegeneration(ctx context.Context, tenantID int64, reason, triggeredBy string) (bool, error) {
	return s.regens.Request(ctx, tenantID, reason, triggeredBy)
}

// RegenerateNow queues a rebuild and processes it immediately.
func (s *Syncer) RegenerateNow(ctx context.Context, tenantID int64, reason, triggeredBy string) (queue.Outcome, error) {
	if _, err := s.regens.Request(ctx, tenantID, reason, triggeredBy); err != nil {
		return 0, err
	}
	req, found, err := s.regens.Status(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if !found || req.Status != model.StatusPending {
		return queue.OutcomeClaimedElsewhere, nil
	}
	outcome, err := s.regens.Process(ctx, req, s.regenerate)
	var r queue.RegenResult
	r.Record(outcome)
	s.observeRegens(r)
	return outcome, err
}

// Cleanup purges terminal queue and regeneration rows older than retention.
func (s *Syncer) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if retention <= 0 {
		retention = s.opts.Retention
	}
	var res CleanupResult
	var err error
	if res.Queue, err = s.completions.Purge(ctx, retention); err != nil {
		return res, err
	}
	if res.Regenerations, err = s.regens.Purge(ctx, retention); err != nil {
		return res, err
	}
	return res, nil
}

// Sweep drains completion queues, processes pending regenerations and purges
// old rows. Tenants run concurrently up to Options.Concurrency; a failing or
// panicking tenant is logged and does not stop the others.
func (s *Syncer) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{ID: audit.NewCorrelationID()}
	started := time.Now()

	if s.opts.LockFile != "" {
		unlock, err := acquireHostLock(s.opts.LockFile)
		if errors.Is(err, lockfile.ErrBusy) {
			slog.Info("sweep skipped, another sweep holds the host lock", "lock_file", s.opts.LockFile)
			report.Skipped = true
			s.metrics.SweepRuns.WithLabelValues("skipped").Inc()
			return report, nil
		}
		if err != nil {
			return report, err
		}
		defer unlock()
	}

	slog.Info("sweep started", "sweep_id", report.ID)

	var err error
	if report.StaleReset, err = s.regens.ResetStale(ctx, s.opts.StaleAfter); err != nil {
		slog.Error("sweep: reset stale regenerations", "sweep_id", report.ID, "error", err)
	}

	if err := s.sweepQueues(ctx, &report); err != nil {
		return s.finishSweep(report, started, err)
	}
	if err := s.sweepRegenerations(ctx, &report); err != nil {
		return s.finishSweep(report, started, err)
	}

	if report.PurgedQueue, err = s.completions.Purge(ctx, s.opts.Retention); err != nil {
		slog.Error("sweep: purge completion queue", "sweep_id", report.ID, "error", err)
	}
	if report.PurgedRegens, err = s.regens.Purge(ctx, s.opts.Retention); err != nil {
		slog.Error("sweep: purge regenerations", "sweep_id", report.ID, "error", err)
	}
	return s.finishSweep(report, started, nil)
}

func (s *Syncer) finishSweep(report SweepReport, started time.Time, err error) (SweepReport, error) {
	report.Duration = time.Since(started)
	s.metrics.SweepDuration.Observe(report.Duration.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.SweepRuns.WithLabelValues(result).Inc()

	slog.Info("sweep finished",
		"sweep_id", report.ID,
		"queue_processed", report.Queue.Processed,
		"queue_failed", report.Queue.Failed,
		"regenerations_succeeded", report.Regenerations.Succeeded,
		"regenerations_failed", report.Regenerations.Failed,
		"regenerations_deferred", report.Regenerations.Deferred,
		"tenant_errors", report.TenantErrors,
		"duration", report.Duration,
		"error", err)
	return report, err
}

func (s *Syncer) sweepQueues(ctx context.Context, report *SweepReport) error {
	tenants, err := s.completions.Tenants(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, tid := range tenants {
		if !s.opts.Sharder.Owns(tid) {
			continue
		}
		g.Go(func() error {
			var r queue.DrainResult
			err := safely("sweep queue", tid, func() error {
				var err error
				r, err = s.completions.DrainTenant(gctx, tid, s.opts.DrainLimit, s.syncQueued)
				return err
			})
			s.observeDrain(r)

			mu.Lock()
			defer mu.Unlock()
			report.Queue.Add(r)
			if err != nil {
				report.TenantErrors++
				slog.Error("sweep: drain tenant", "sweep_id", report.ID, "tenant_id", tid, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Syncer) sweepRegenerations(ctx context.Context, report *SweepReport) error {
	reqs, err := s.regens.Pending(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, req := range reqs {
		if !s.opts.Sharder.Owns(req.TenantID) {
			continue
		}
		g.Go(func() error {
			var outcome queue.Outcome
			err := safely("sweep regeneration", req.TenantID, func() error {
				var err error
				outcome, err = s.regens.Process(gctx, req, s.regenerate)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.TenantErrors++
				slog.Error("sweep: regeneration", "sweep_id", report.ID, "tenant_id", req.TenantID, "error", err)
				return nil
			}
			report.Regenerations.Record(outcome)
			var r queue.RegenResult
			r.Record(outcome)
			s.observeRegens(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Syncer) observeDrain(r queue.DrainResult) {
	s.metrics.QueueItems.WithLabelValues("successful").Add(float64(r.Successful))
	s.metrics.QueueItems.WithLabelValues("failed").Add(float64(r.Failed - r.Exhausted))
	s.metrics.QueueItems.WithLabelValues("exhausted").Add(float64(r.Exhausted))
}

func (s *Syncer) observeRegens(r queue.RegenResult) {
	s.metrics.Regenerations.WithLabelValues("succeeded").Add(float64(r.Succeeded))
	s.metrics.Regenerations.WithLabelValues("failed").Add(float64(r.Failed))
	s.metrics.Regenerations.WithLabelValues("deferred").Add(float64(r.Deferred))
}

// acquireHostLock takes the sweep lock file and returns its release func.
func acquireHostLock(path string) (func(), error) {
	// lockfile requires an absolute path.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	lf, err := lockfile.New(abs)
	if err != nil {
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	if err := lf.TryLock(); err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return nil, lockfile.ErrBusy
		}
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	return func() {
		if err := lf.Unlock(); err != nil {
			slog.Warn("sweep lock release failed", "lock_file", abs, "error", err)
		}
	}, nil
}
