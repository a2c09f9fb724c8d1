// Package audit records every sync attempt in the append-only attempt log.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
)

// DefaultMaxPayloadBytes bounds stored request and response payloads.
const DefaultMaxPayloadBytes = 64 * 1024

// Store is the persistence the recorder needs.
type Store interface {
	InsertAttempt(ctx context.Context, a model.SyncAttempt) (int64, error)
	ListAttempts(ctx context.Context, tenantID int64, limit int) ([]model.SyncAttempt, error)
	CountAttempts(ctx context.Context, tenantID int64) (map[string]int, error)
}

// Entry describes one attempt before it is stored.
type Entry struct {
	TenantID   int64
	UserID     int64
	CourseID   int64
	UserEmail  string
	CourseName string

	// Operation is the trigger (completion, regeneration, manual). Logged only.
	Operation string

	Status   string
	Request  []byte
	Response string
	Err      error

	// CorrelationID ties the attempt to related log lines. Generated when empty.
	CorrelationID string
}

// Recorder writes attempt rows and mirrors each one to slog.
type Recorder struct {
	store      Store
	clock      clock.Clock
	maxPayload int
}

// NewRecorder creates a recorder. maxPayloadBytes <= 0 selects the default.
func NewRecorder(s Store, clk clock.Clock, maxPayloadBytes int) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Recorder{store: s, clock: clk, maxPayload: maxPayloadBytes}
}

// NewCorrelationID returns a time-ordered correlation ID.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Record appends the attempt and returns the stored row.
func (r *Recorder) Record(ctx context.Context, e Entry) (model.SyncAttempt, error) {
	if e.CorrelationID == "" {
		e.CorrelationID = NewCorrelationID()
	}
	a := model.SyncAttempt{
		TenantID:        e.TenantID,
		UserID:          e.UserID,
		CourseID:        e.CourseID,
		UserEmail:       e.UserEmail,
		CourseName:      e.CourseName,
		SyncedAt:        r.clock.Now(),
		RequestPayload:  Truncate(string(e.Request), r.maxPayload),
		ResponsePayload: Truncate(e.Response, r.maxPayload),
		Status:          e.Status,
		CorrelationID:   e.CorrelationID,
	}
	if e.Err != nil {
		a.ErrorMessage = e.Err.Error()
	}

	r.log(ctx, e, a)

	id, err := r.store.InsertAttempt(ctx, a)
	if err != nil {
		return a, fmt.Errorf("record attempt for tenant %d: %w", e.TenantID, err)
	}
	a.ID = id
	return a, nil
}

func (r *Recorder) log(ctx context.Context, e Entry, a model.SyncAttempt) {
	level := slog.LevelInfo
	switch a.Status {
	case model.AttemptError:
		level = slog.LevelError
	case model.AttemptSkipped:
		level = slog.LevelDebug
	}
	attrs := []any{
		"tenant_id", a.TenantID,
		"status", a.Status,
		"correlation_id", a.CorrelationID,
	}
	if e.Operation != "" {
		attrs = append(attrs, "operation", e.Operation)
	}
	if a.UserID != 0 {
		attrs = append(attrs, "user_id", a.UserID, "course_id", a.CourseID)
	}
	if a.ErrorMessage != "" {
		attrs = append(attrs, "error", a.ErrorMessage)
	}
	slog.Log(ctx, level, "sync attempt", attrs...)
}

// Recent returns the newest attempts for a tenant (all tenants when 0).
func (r *Recorder) Recent(ctx context.Context, tenantID int64, limit int) ([]model.SyncAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListAttempts(ctx, tenantID, limit)
}

// Counts returns attempt totals per status.
func (r *Recorder) Counts(ctx context.Context, tenantID int64) (map[string]int, error) {
	return r.store.CountAttempts(ctx, tenantID)
}

// Truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("...[truncated %d bytes]", len(s)-cut)
}
