// Package syncer orchestrates compliance synchronization.
//
// Three triggers reach the orchestrator: a single completion event
// (OnCourseCompleted), a batch sync requested by a queue drain or the operator
// (SyncBatch), and the periodic sweep (Sweep). Every path that rebuilds or
// pushes a tenant's dataset holds that tenant's lease for the whole
// generate, persist and push sequence, so two pushes for one tenant never
// overlap. The remote API replaces the whole dataset on every call, which is
// why every push carries the complete snapshot.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/generator"
	"github.com/roach88/compsync/internal/lock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/remote"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/store"
)

// ErrNotConfigured is returned when a tenant lacks a rule, a credential or a
// resource ID. It is an expected condition and never retried automatically.
var ErrNotConfigured = errors.New("tenant not configured for sync")

// ErrResourceMismatch is returned when a formatted batch was built for a
// resource other than the one the tenant rule names now.
var ErrResourceMismatch = errors.New("batch resource does not match tenant rule")

// Store is the record-store surface the orchestrator reads.
type Store interface {
	ResolveTenant(ctx context.Context, userID int64) (int64, error)
	GetUser(ctx context.Context, id int64) (model.User, error)
	GetCourse(ctx context.Context, id int64) (model.Course, error)
	UpsertCompletion(ctx context.Context, f model.CompletionFact, now time.Time) error
	GetRule(ctx context.Context, tenantID int64) (model.SyncRule, error)
	ActiveCredential(ctx context.Context, tenantID int64) (model.Credential, error)
}

// Pusher submits a tenant dataset to the remote API.
type Pusher interface {
	Push(ctx context.Context, tenantID int64, cred model.Credential, resourceID string, records []model.FormattedRecord) (remote.Outcome, error)
}

// Deps are the collaborators of a Syncer.
type Deps struct {
	Store         Store
	Locks         *lock.Manager
	Completions   *queue.CompletionQueue
	Regenerations *queue.RegenerationQueue
	Generator     *generator.Generator
	Snapshots     *snapshot.Store
	Remote        Pusher
	Audit         *audit.Recorder
	Clock         clock.Clock
	Metrics       *Metrics
}

// Options tune the sweep.
type Options struct {
	// DrainLimit bounds completion-queue rows drained per tenant per sweep.
	DrainLimit int
	// Retention is the age after which terminal queue rows are purged.
	Retention time.Duration
	// Concurrency bounds the tenants processed in parallel by a sweep.
	Concurrency int
	// StaleAfter resets regenerations stuck in processing. Defaults to the lock TTL.
	StaleAfter time.Duration
	// LockFile, when set, keeps two sweeps on one host from overlapping.
	LockFile string
	// Sharder restricts the sweep to this worker's tenants. Nil owns all.
	Sharder *Sharder
}

// Syncer is the orchestrator.
type Syncer struct {
	store       Store
	locks       *lock.Manager
	completions *queue.CompletionQueue
	regens      *queue.RegenerationQueue
	gen         *generator.Generator
	snapshots   *snapshot.Store
	remote      Pusher
	audit       *audit.Recorder
	clock       clock.Clock
	metrics     *Metrics
	opts        Options

	// beforePushSnapshotLock runs in PushSnapshot before the lease is taken. Tests only.
	beforePushSnapshotLock func()
}

// New creates a Syncer.
func New(d Deps, opts Options) *Syncer {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if opts.DrainLimit <= 0 {
		opts.DrainLimit = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = d.Locks.TTL()
	}
	return &Syncer{
		store:       d.Store,
		locks:       d.Locks,
		completions: d.Completions,
		regens:      d.Regenerations,
		gen:         d.Generator,
		snapshots:   d.Snapshots,
		remote:      d.Remote,
		audit:       d.Audit,
		clock:       d.Clock,
		metrics:     d.Metrics,
		opts:        opts,
	}
}

// tenantConfig is everything needed to push for a tenant.
type tenantConfig struct {
	rule model.SyncRule
	cred model.Credential
}

func (s *Syncer) loadConfig(ctx context.Context, tenantID int64) (tenantConfig, error) {
	rule, err := s.store.GetRule(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return tenantConfig{}, fmt.Errorf("%w: tenant %d has no sync rule", ErrNotConfigured, tenantID)
	}
	if err != nil {
		return tenantConfig{}, err
	}
	if rule.ResourceID == "" {
		return tenantConfig{}, fmt.Errorf("%w: tenant %d has no resource ID", ErrNotConfigured, tenantID)
	}
	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return tenantConfig{}, fmt.Errorf("%w: tenant %d has no active credential", ErrNotConfigured, tenantID)
	}
	if err != nil {
		return tenantConfig{}, err
	}
	return tenantConfig{rule: rule, cred: cred}, nil
}

// SyncResult describes one generate-and-push run.
type SyncResult struct {
	TenantID      int64
	Records       int
	Generated     bool
	Snapshot      model.SnapshotMeta
	Stats         generator.Stats
	Outcome       remote.Outcome
	CorrelationID string
}

// SyncBatch pushes the tenant's dataset under the tenant lease.
//
// A FormattedBatch is pushed as-is. A CompletionRefBatch, or nil, triggers a
// full regeneration first; each ref gets its own attempt row under the shared
// correlation ID. When the tenant is locked SyncBatch returns
// queue.ErrTenantBusy.
func (s *Syncer) SyncBatch(ctx context.Context, tenantID int64, batch model.Batch, operation string) (SyncResult, error) {
	var res SyncResult
	acquired, err := s.locks.WithLock(ctx, tenantID, operation, func(ctx context.Context) error {
		var err error
		res, err = s.syncLocked(ctx, tenantID, batch, operation, audit.Entry{})
		return err
	})
	if err != nil {
		return res, err
	}
	if !acquired {
		return res, queue.ErrTenantBusy
	}
	return res, nil
}

// syncLocked runs generate, persist and push. The caller holds the lease.
// Every outcome other than a busy tenant is written to the attempt log.
func (s *Syncer) syncLocked(ctx context.Context, tenantID int64, batch model.Batch, operation string, entry audit.Entry) (SyncResult, error) {
	entry.TenantID = tenantID
	entry.Operation = operation
	if entry.CorrelationID == "" {
		entry.CorrelationID = audit.NewCorrelationID()
	}
	res := SyncResult{TenantID: tenantID, CorrelationID: entry.CorrelationID}

	res, err := s.runPipeline(ctx, tenantID, batch, res)
	if err != nil {
		entry.Status = model.AttemptError
		if errors.Is(err, ErrNotConfigured) {
			entry.Status = model.AttemptSkipped
		}
		entry.Err = err
		entry.Request = res.Outcome.RequestBody
		entry.Response = res.Outcome.ResponseBody
		s.recordBatch(ctx, entry, batch)
		return res, err
	}

	entry.Status = model.AttemptSuccess
	entry.Request = res.Outcome.RequestBody
	entry.Response = res.Outcome.ResponseBody
	s.recordBatch(ctx, entry, batch)
	return res, nil
}

// recordBatch writes one attempt row per completion ref of an unannotated
// entry, or the entry alone.
func (s *Syncer) recordBatch(ctx context.Context, entry audit.Entry, batch model.Batch) {
	refs, ok := batch.(model.CompletionRefBatch)
	if !ok || len(refs.Refs) == 0 || entry.UserID != 0 {
		s.record(ctx, entry)
		return
	}
	for _, ref := range refs.Refs {
		e := entry
		e.UserID = ref.UserID
		e.CourseID = ref.CourseID
		s.annotate(ctx, &e)
		s.record(ctx, e)
	}
}

// annotate fills the user email and course name. Missing rows leave them empty.
func (s *Syncer) annotate(ctx context.Context, e *audit.Entry) {
	ctx = context.WithoutCancel(ctx)
	if u, err := s.store.GetUser(ctx, e.UserID); err == nil {
		e.UserEmail = u.Email
	} else {
		slog.Debug("attempt annotation: user lookup failed", "user_id", e.UserID, "error", err)
	}
	if c, err := s.store.GetCourse(ctx, e.CourseID); err == nil {
		e.CourseName = c.FullName
	} else {
		slog.Debug("attempt annotation: course lookup failed", "course_id", e.CourseID, "error", err)
	}
}

func (s *Syncer) runPipeline(ctx context.Context, tenantID int64, batch model.Batch, res SyncResult) (SyncResult, error) {
	cfg, err := s.loadConfig(ctx, tenantID)
	if err != nil {
		return res, err
	}

	var records []model.FormattedRecord
	switch b := batch.(type) {
	case model.FormattedBatch:
		if b.ResourceID != "" && b.ResourceID != cfg.rule.ResourceID {
			return res, fmt.Errorf("%w: tenant %d batch %q, rule %q",
				ErrResourceMismatch, tenantID, b.ResourceID, cfg.rule.ResourceID)
		}
		records = b.Records
	case nil, model.CompletionRefBatch:
		records, res.Stats, err = s.gen.Generate(ctx, tenantID, cfg.rule)
		if err != nil {
			return res, fmt.Errorf("generate tenant %d: %w", tenantID, err)
		}
		res.Generated = true
		s.metrics.SnapshotRecords.Observe(float64(len(records)))

		snap, err := model.NewSnapshot(tenantID, cfg.rule.ResourceID, s.clock.Now(), records)
		if err != nil {
			return res, fmt.Errorf("snapshot tenant %d: %w", tenantID, err)
		}
		if res.Snapshot, err = s.snapshots.Save(snap); err != nil {
			return res, err
		}
	default:
		return res, fmt.Errorf("sync tenant %d: unsupported batch %T", tenantID, batch)
	}
	res.Records = len(records)

	outcome, err := s.remote.Push(ctx, tenantID, cfg.cred, cfg.rule.ResourceID, records)
	res.Outcome = outcome
	if err != nil {
		return res, fmt.Errorf("push tenant %d: %w", tenantID, err)
	}
	s.metrics.PushDuration.Observe(outcome.Duration.Seconds())
	if !outcome.OK {
		return res, fmt.Errorf("push tenant %d (%s): %w", tenantID, outcome.Kind, outcome.Err)
	}

	slog.Info("tenant synced",
		"tenant_id", tenantID,
		"batch", model.BatchKind(batch),
		"records", res.Records,
		"duration", outcome.Duration)
	return res, nil
}

// record writes the attempt log. A failed write is logged, never returned:
// the sync already happened.
func (s *Syncer) record(ctx context.Context, e audit.Entry) {
	s.metrics.Attempts.WithLabelValues(e.Operation, e.Status).Inc()
	if _, err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("attempt log write failed", "tenant_id", e.TenantID, "error", err)
	}
}

// PushSnapshot re-pushes the stored snapshot artifact without regenerating it.
// The artifact is read under the tenant lease, so a snapshot saved by another
// holder is never overwritten remotely by an older one.
func (s *Syncer) PushSnapshot(ctx context.Context, tenantID int64) (SyncResult, error) {
	res := SyncResult{TenantID: tenantID}
	if s.beforePushSnapshotLock != nil {
		s.beforePushSnapshotLock()
	}
	acquired, err := s.locks.WithLock(ctx, tenantID, model.OpManual, func(ctx context.Context) error {
		snap, err := s.snapshots.Load(tenantID)
		if err != nil {
			return err
		}
		batch := model.FormattedBatch{Records: snap.Records, ResourceID: snap.ResourceID}
		res, err = s.syncLocked(ctx, tenantID, batch, model.OpManual, audit.Entry{})
		return err
	})
	if err != nil {
		return res, err
	}
	if !acquired {
		return res, queue.ErrTenantBusy
	}
	return res, nil
}

// safely runs fn and converts a panic into an error.
func safely(what string, tenantID int64, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered",
				"where", what,
				"tenant_id", tenantID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", what, r)
		}
	}()
	return fn()
}
