package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/model"
)

// CompletionEvent is fired by the host platform when a user finishes a course.
type CompletionEvent struct {
	UserID      int64
	CourseID    int64
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// EventState is the terminal state of a completion event.
type EventState string

const (
	EventSynced  EventState = "synced"
	EventQueued  EventState = "queued"
	EventSkipped EventState = "skipped"
	EventError   EventState = "error"
)

// EventResult reports how a completion event ended.
type EventResult struct {
	State         EventState
	TenantID      int64
	Reason        string
	Records       int
	CorrelationID string
	Err           error
}

// Skip reasons.
const (
	ReasonNotConfigured       = "not_configured"
	ReasonCourseNotInRule     = "course_not_in_rule"
	ReasonRegenerationPending = "regeneration_pending"
	ReasonLocked              = "tenant_locked"
)

// OnCourseCompleted handles one completion event. It never returns an error:
// the learner's flow must not depend on the sync, so every failure is
// reported in the result and the attempt log.
func (s *Syncer) OnCourseCompleted(ctx context.Context, ev CompletionEvent) (res EventResult) {
	res.CorrelationID = audit.NewCorrelationID()
	err := safely("completion event", 0, func() error {
		res = s.handleCompletion(ctx, ev, res.CorrelationID)
		return nil
	})
	if err != nil {
		res.State = EventError
		res.Err = err
		s.record(ctx, audit.Entry{
			TenantID:      res.TenantID,
			UserID:        ev.UserID,
			CourseID:      ev.CourseID,
			Operation:     model.OpCompletion,
			Status:        model.AttemptError,
			Err:           err,
			CorrelationID: res.CorrelationID,
		})
	}
	return res
}

func (s *Syncer) handleCompletion(ctx context.Context, ev CompletionEvent, correlationID string) EventResult {
	res := EventResult{CorrelationID: correlationID}
	entry := audit.Entry{
		UserID:        ev.UserID,
		CourseID:      ev.CourseID,
		Operation:     model.OpCompletion,
		CorrelationID: correlationID,
	}
	fail := func(err error) EventResult {
		res.State = EventError
		res.Err = err
		entry.TenantID = res.TenantID
		entry.Status = model.AttemptError
		entry.Err = err
		s.record(ctx, entry)
		return res
	}
	skip := func(reason string, err error) EventResult {
		res.State = EventSkipped
		res.Reason = reason
		res.Err = err
		entry.TenantID = res.TenantID
		entry.Status = model.AttemptSkipped
		entry.Err = err
		s.record(ctx, entry)
		return res
	}

	tenantID, err := s.store.ResolveTenant(ctx, ev.UserID)
	if err != nil {
		return fail(err)
	}
	res.TenantID = tenantID

	user, err := s.store.GetUser(ctx, ev.UserID)
	if err != nil {
		return fail(err)
	}
	entry.UserEmail = user.Email

	// A single-completion sync fails outright on a missing course row.
	course, err := s.store.GetCourse(ctx, ev.CourseID)
	if err != nil {
		return fail(fmt.Errorf("course %d: %w", ev.CourseID, err))
	}
	entry.CourseName = course.FullName

	completedAt := ev.CompletedAt
	if completedAt == nil {
		now := s.clock.Now()
		completedAt = &now
	}
	if err := s.store.UpsertCompletion(ctx, model.CompletionFact{
		UserID:      ev.UserID,
		CourseID:    ev.CourseID,
		Status:      model.CompletionStatusCompleted,
		StartedAt:   ev.StartedAt,
		CompletedAt: completedAt,
	}, s.clock.Now()); err != nil {
		return fail(err)
	}

	cfg, err := s.loadConfig(ctx, tenantID)
	if errors.Is(err, ErrNotConfigured) {
		return skip(ReasonNotConfigured, err)
	}
	if err != nil {
		return fail(err)
	}
	if !cfg.rule.HasCourse(ev.CourseID) {
		return skip(ReasonCourseNotInRule, nil)
	}

	acquired, err := s.locks.TryAcquire(ctx, tenantID, model.OpCompletion)
	if err != nil {
		return fail(err)
	}
	if !acquired {
		if _, err := s.completions.Enqueue(ctx, ev.UserID, ev.CourseID, tenantID, ReasonLocked); err != nil {
			return fail(err)
		}
		res.State = EventQueued
		res.Reason = ReasonLocked
		entry.TenantID = tenantID
		entry.Status = model.AttemptQueued
		s.record(ctx, entry)
		return res
	}
	defer func() {
		if _, err := s.locks.Release(context.WithoutCancel(ctx), tenantID); err != nil {
			slog.Error("lock release failed", "tenant_id", tenantID, "error", err)
		}
	}()

	pending, err := s.regens.HasPending(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if pending {
		return skip(ReasonRegenerationPending, nil)
	}

	batch := model.CompletionRefBatch{Refs: []model.CompletionRef{{UserID: ev.UserID, CourseID: ev.CourseID}}}
	sync, err := s.syncLocked(ctx, tenantID, batch, model.OpCompletion, entry)
	res.Records = sync.Records
	if err != nil {
		res.State = EventError
		res.Err = err
		return res
	}
	res.State = EventSynced
	return res
}
