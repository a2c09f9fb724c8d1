package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/compsync/internal/model"
)

// Rule validation error codes (E210-E219)
const (
	ErrRuleTenant     = "E210" // tenant ID must be positive
	ErrRuleResourceID = "E211" // resource ID is required
	ErrRuleNoCourses  = "E212" // at least one course required
	ErrRuleCourseID   = "E213" // course IDs must be positive
	ErrRuleMode       = "E214" // completion mode must be ANY or ALL
	ErrRuleFramework  = "E215" // framework names must be non-blank
)

// ValidationError is one problem with a rule.
type ValidationError struct {
	TenantID int64  `json:"tenant_id"`
	Field    string `json:"field"`
	Message  string `json:"message"`
	Code     string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] tenant %d: %s: %s", e.Code, e.TenantID, e.Field, e.Message)
}

// Validate returns every problem found in r. It does not fail fast.
func Validate(r model.SyncRule) []ValidationError {
	var errs []ValidationError
	add := func(field, code, msg string) {
		errs = append(errs, ValidationError{TenantID: r.TenantID, Field: field, Message: msg, Code: code})
	}

	if r.TenantID <= 0 {
		add("tenant_id", ErrRuleTenant, "tenant ID must be positive")
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		add("resource_id", ErrRuleResourceID, "resource ID is required")
	}
	if len(r.Courses) == 0 {
		add("courses", ErrRuleNoCourses, "at least one course is required")
	}
	for _, c := range r.Courses {
		if c <= 0 {
			add("courses", ErrRuleCourseID, fmt.Sprintf("invalid course ID %d", c))
		}
	}
	if _, err := model.ParseCompletionMode(string(r.CompletionMode)); err != nil {
		add("completion_mode", ErrRuleMode, err.Error())
	}
	for i, f := range r.Frameworks {
		if strings.TrimSpace(f) == "" {
			add(fmt.Sprintf("frameworks[%d]", i), ErrRuleFramework, "framework name is blank")
		}
	}
	return errs
}

// Normalize trims and dedupes frameworks, dedupes and sorts courses, and
// upper-cases the mode. Invalid values are left for Validate to report.
func Normalize(r model.SyncRule) model.SyncRule {
	out := r
	out.ResourceID = strings.TrimSpace(r.ResourceID)

	out.Frameworks = []string{}
	seenFw := map[string]bool{}
	for _, f := range r.Frameworks {
		f = strings.TrimSpace(f)
		if f == "" || seenFw[f] {
			continue
		}
		seenFw[f] = true
		out.Frameworks = append(out.Frameworks, f)
	}

	out.Courses = []int64{}
	seenCourse := map[int64]bool{}
	for _, c := range r.Courses {
		if seenCourse[c] {
			continue
		}
		seenCourse[c] = true
		out.Courses = append(out.Courses, c)
	}
	slices.Sort(out.Courses)

	if mode, err := model.ParseCompletionMode(string(r.CompletionMode)); err == nil {
		out.CompletionMode = mode
	}
	return out
}
