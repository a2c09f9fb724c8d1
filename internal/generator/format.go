package generator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

// ErrMissingCourse is returned by Format for a fact whose course row is gone.
var ErrMissingCourse = errors.New("course row missing")

// DefaultFramework is used when a rule names no frameworks.
const DefaultFramework = "SOC 2"

// DefaultDueOffset is added to a course's creation time when it has no due date.
const DefaultDueOffset = 30 * 24 * time.Hour

// FormatOptions holds formatting policy.
type FormatOptions struct {
	DefaultFramework string
	DueOffset        time.Duration
	// CourseURLBase is prefixed to the course ID to build the external URL.
	CourseURLBase string
}

func (o FormatOptions) withDefaults() FormatOptions {
	if strings.TrimSpace(o.DefaultFramework) == "" {
		o.DefaultFramework = DefaultFramework
	}
	if o.DueOffset <= 0 {
		o.DueOffset = DefaultDueOffset
	}
	return o
}

// Format converts one completion row into the remote record shape.
func Format(row store.CompletionRow, rule model.SyncRule, opts FormatOptions) (model.FormattedRecord, error) {
	if row.Course == nil {
		return model.FormattedRecord{}, fmt.Errorf("format user %d course %d: %w", row.User.ID, row.CourseID, ErrMissingCourse)
	}
	opts = opts.withDefaults()
	course := row.Course

	due := course.CreatedAt.Add(opts.DueOffset)
	if course.DueAt != nil {
		due = *course.DueAt
	}

	var completed int64
	if row.CompletedAt != nil {
		completed = row.CompletedAt.Unix()
	}

	name := model.TraineeName(row.User.FirstName, row.User.LastName)
	if name == "" {
		name = row.User.Username
	}

	externalURL := ""
	if opts.CourseURLBase != "" {
		externalURL = opts.CourseURLBase + strconv.FormatInt(course.ID, 10)
	}

	return model.FormattedRecord{
		DisplayName:         course.FullName,
		UniqueID:            model.UniqueID(row.User.ID, course.ID),
		ExternalURL:         externalURL,
		TrainingID:          "course" + strconv.FormatInt(course.ID, 10),
		FrameworksFulfilled: Frameworks(rule.Frameworks, opts.DefaultFramework),
		TraineeName:         name,
		TraineeAccount:      row.User.Username,
		TraineeEmail:        row.User.Email,
		Status:              model.CompletionStatusCompleted,
		CreatedTS:           course.CreatedAt.Unix(),
		DueTS:               due.Unix(),
		CompletedTS:         completed,
	}, nil
}

// Frameworks trims and drops blank tags, falling back to fallback when none remain.
func Frameworks(tags []string, fallback string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if t := strings.TrimSpace(tag); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}
