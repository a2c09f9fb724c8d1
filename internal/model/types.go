package model

import (
	"fmt"
	"strings"
	"time"
)

// Tenant is an isolated customer organization.
type Tenant struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// User is a learner. TenantID is the canonical tenant resolution path.
type User struct {
	ID        int64  `json:"id" yaml:"id"`
	TenantID  int64  `json:"tenant_id" yaml:"tenant_id"`
	Username  string `json:"username" yaml:"username"`
	Email     string `json:"email" yaml:"email"`
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
	Deleted   bool   `json:"deleted" yaml:"deleted"`
}

// Course is a training course. DueAt is optional.
type Course struct {
	ID        int64      `json:"id" yaml:"id"`
	FullName  string     `json:"full_name" yaml:"full_name"`
	ShortName string     `json:"short_name" yaml:"short_name"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	DueAt     *time.Time `json:"due_at,omitempty" yaml:"due_at,omitempty"`
}

// CredentialStatusActive marks the credential used for pushes.
const CredentialStatusActive = "active"

// Credential holds the OAuth client credentials for a tenant's remote account.
// Exactly one active, non-deleted credential exists per tenant.
type Credential struct {
	ID           int64  `json:"id"`
	TenantID     int64  `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	Scope        string `json:"scope"`
	GrantType    string `json:"grant_type"`
	Status       string `json:"status"`
	Deleted      bool   `json:"deleted"`
}

// CompletionMode decides which users enter a tenant snapshot.
type CompletionMode string

const (
	// ModeAny includes a user who completed at least one rule course.
	ModeAny CompletionMode = "ANY"
	// ModeAll includes a user only after every rule course is completed.
	ModeAll CompletionMode = "ALL"
)

// ParseCompletionMode accepts ANY or ALL in any case. Empty means ANY.
func ParseCompletionMode(s string) (CompletionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModeAny):
		return ModeAny, nil
	case string(ModeAll):
		return ModeAll, nil
	default:
		return "", fmt.Errorf("invalid completion mode %q: must be ANY or ALL", s)
	}
}

// SyncRule is the per-tenant configuration of what gets synchronized.
type SyncRule struct {
	TenantID       int64          `json:"tenant_id"`
	Frameworks     []string       `json:"frameworks"`
	Courses        []int64        `json:"courses"`
	CompletionMode CompletionMode `json:"completion_mode"`
	ResourceID     string         `json:"resource_id"`
}

// HasCourse reports whether courseID is covered by the rule.
func (r SyncRule) HasCourse(courseID int64) bool {
	for _, c := range r.Courses {
		if c == courseID {
			return true
		}
	}
	return false
}

// CompletionStatusCompleted is the only status included in snapshots.
const CompletionStatusCompleted = "completed"

// CompletionFact is one user's progress on one course.
type CompletionFact struct {
	UserID      int64      `json:"user_id"`
	CourseID    int64      `json:"course_id"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Lock operations recorded on a lease.
const (
	OpCompletion   = "completion"
	OpRegeneration = "regeneration"
	OpManual       = "manual"
)

// Lock is a per-tenant lease.
type Lock struct {
	TenantID   int64     `json:"tenant_id"`
	Operation  string    `json:"operation"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer live at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Queue and request statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// QueuedCompletion is a completion deferred because its tenant was locked.
type QueuedCompletion struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	CourseID    int64      `json:"course_id"`
	TenantID    int64      `json:"tenant_id"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// RegenerationRequest asks for a full tenant snapshot rebuild.
type RegenerationRequest struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TriggeredBy  string     `json:"triggered_by"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Attempt statuses.
const (
	AttemptSuccess = "success"
	AttemptError   = "error"
	AttemptSkipped = "skipped"
	AttemptQueued  = "queued"
)

// SyncAttempt is one immutable row of the attempt log.
type SyncAttempt struct {
	ID              int64     `json:"id"`
	TenantID        int64     `json:"tenant_id"`
	UserID          int64     `json:"user_id"`
	CourseID        int64     `json:"course_id"`
	UserEmail       string    `json:"user_email"`
	CourseName      string    `json:"course_name"`
	SyncedAt        time.Time `json:"synced_at"`
	RequestPayload  string    `json:"request_payload,omitempty"`
	ResponsePayload string    `json:"response_payload,omitempty"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
}
