package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/compsync/internal/lock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/rules"
	"github.com/roach88/compsync/internal/syncer"
)

type setupFunc func(ctx context.Context, h *Harness, args map[string]interface{}) error

// flowFunc runs one engine operation and reports its output case and result.
// An error means the step could not run at all and aborts the scenario.
type flowFunc func(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error)

var setupActions = map[string]setupFunc{
	"tenant":       setupTenant,
	"user":         setupUser,
	"course":       setupCourse,
	"credential":   setupCredential,
	"rule":         setupRule,
	"completion":   setupCompletion,
	"lock":         setupLock,
	"regeneration": setupRegeneration,
}

var flowActions = map[string]flowFunc{
	"complete":              flowComplete,
	"sweep":                 flowSweep,
	"process_queue":         flowProcessQueue,
	"process_regenerations": flowProcessRegenerations,
	"request_regeneration":  flowRequestRegeneration,
	"regenerate_now":        flowRegenerateNow,
	"save_rule":             flowSaveRule,
	"delete_rule":           flowDeleteRule,
	"push":                  flowPush,
	"push_snapshot":         flowPushSnapshot,
	"hold_lock":             flowHoldLock,
	"release_lock":          flowReleaseLock,
	"delete_credential":     flowDeleteCredential,
	"advance_clock":         flowAdvanceClock,
	"remote":                flowRemote,
	"cleanup":               flowCleanup,
}

func setupTenant(ctx context.Context, h *Harness, args map[string]interface{}) error {
	id, err := argInt(args, "id")
	if err != nil {
		return err
	}
	return h.store.UpsertTenant(ctx, model.Tenant{ID: id, Name: argString(args, "name", fmt.Sprintf("tenant-%d", id))})
}

func setupUser(ctx context.Context, h *Harness, args map[string]interface{}) error {
	id, err := argInt(args, "id")
	if err != nil {
		return err
	}
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return err
	}
	username := argString(args, "username", fmt.Sprintf("user%d", id))
	return h.store.UpsertUser(ctx, model.User{
		ID:        id,
		TenantID:  tenantID,
		Username:  username,
		Email:     argString(args, "email", username+"@example.com"),
		FirstName: argString(args, "first_name", ""),
		LastName:  argString(args, "last_name", ""),
		Deleted:   argBool(args, "deleted"),
	})
}

func setupCourse(ctx context.Context, h *Harness, args map[string]interface{}) error {
	id, err := argInt(args, "id")
	if err != nil {
		return err
	}
	created, err := argTime(args, "created_at")
	if err != nil {
		return err
	}
	if created == nil {
		created = &Epoch
	}
	due, err := argTime(args, "due_at")
	if err != nil {
		return err
	}
	return h.store.UpsertCourse(ctx, model.Course{
		ID:        id,
		FullName:  argString(args, "full_name", fmt.Sprintf("Course %d", id)),
		ShortName: argString(args, "short_name", fmt.Sprintf("C%d", id)),
		CreatedAt: *created,
		DueAt:     due,
	})
}

func setupCredential(ctx context.Context, h *Harness, args map[string]interface{}) error {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return err
	}
	_, err = h.store.SaveCredential(ctx, model.Credential{
		TenantID:     tenantID,
		ClientID:     argString(args, "client_id", fmt.Sprintf("client-%d", tenantID)),
		ClientSecret: argString(args, "client_secret", "secret"),
		Scope:        argString(args, "scope", ""),
	}, h.clock.Now())
	return err
}

func ruleFromArgs(args map[string]interface{}) (model.SyncRule, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return model.SyncRule{}, err
	}
	courses, err := argInts(args, "courses")
	if err != nil {
		return model.SyncRule{}, err
	}
	frameworks, err := argStrings(args, "frameworks")
	if err != nil {
		return model.SyncRule{}, err
	}
	return model.SyncRule{
		TenantID:       tenantID,
		Frameworks:     frameworks,
		Courses:        courses,
		CompletionMode: model.CompletionMode(argString(args, "mode", string(model.ModeAny))),
		ResourceID:     argString(args, "resource_id", fmt.Sprintf("tenant-%d", tenantID)),
	}, nil
}

// setupRule stores a rule without requesting a regeneration.
func setupRule(ctx context.Context, h *Harness, args map[string]interface{}) error {
	r, err := ruleFromArgs(args)
	if err != nil {
		return err
	}
	if errs := rules.Validate(r); len(errs) > 0 {
		return fmt.Errorf("invalid rule: %v", errs)
	}
	return h.store.SaveRule(ctx, rules.Normalize(r), h.clock.Now())
}

func setupCompletion(ctx context.Context, h *Harness, args map[string]interface{}) error {
	userID, err := argInt(args, "user_id")
	if err != nil {
		return err
	}
	courseID, err := argInt(args, "course_id")
	if err != nil {
		return err
	}
	completed, err := argTime(args, "completed_at")
	if err != nil {
		return err
	}
	status := argString(args, "status", model.CompletionStatusCompleted)
	if completed == nil && status == model.CompletionStatusCompleted {
		now := h.clock.Now()
		completed = &now
	}
	return h.store.UpsertCompletion(ctx, model.CompletionFact{
		UserID:      userID,
		CourseID:    courseID,
		Status:      status,
		CompletedAt: completed,
	}, h.clock.Now())
}

func setupLock(ctx context.Context, h *Harness, args map[string]interface{}) error {
	outcome, _, err := flowHoldLock(ctx, h, args)
	if err != nil {
		return err
	}
	if outcome != "acquired" {
		return errors.New("tenant already locked")
	}
	return nil
}

func setupRegeneration(ctx context.Context, h *Harness, args map[string]interface{}) error {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return err
	}
	_, err = h.regens.Request(ctx, tenantID, argString(args, "reason", "setup"), "harness")
	return err
}

func flowComplete(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	userID, err := argInt(args, "user_id")
	if err != nil {
		return "", nil, err
	}
	courseID, err := argInt(args, "course_id")
	if err != nil {
		return "", nil, err
	}
	completed, err := argTime(args, "completed_at")
	if err != nil {
		return "", nil, err
	}

	res := h.syncer.OnCourseCompleted(ctx, syncer.CompletionEvent{
		UserID:      userID,
		CourseID:    courseID,
		CompletedAt: completed,
	})
	fields := map[string]interface{}{
		"tenant_id": int(res.TenantID),
		"records":   res.Records,
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	return string(res.State), fields, nil
}

func flowSweep(ctx context.Context, h *Harness, _ map[string]interface{}) (string, map[string]interface{}, error) {
	r, err := h.syncer.Sweep(ctx)
	if err != nil {
		return "", nil, err
	}
	if r.Skipped {
		return "skipped", map[string]interface{}{}, nil
	}
	return "ok", map[string]interface{}{
		"queue_processed":  r.Queue.Processed,
		"queue_successful": r.Queue.Successful,
		"queue_failed":     r.Queue.Failed,
		"queue_exhausted":  r.Queue.Exhausted,
		"skipped_tenants":  r.Queue.SkippedTenants,
		"regen_succeeded":  r.Regenerations.Succeeded,
		"regen_failed":     r.Regenerations.Failed,
		"regen_deferred":   r.Regenerations.Deferred,
		"stale_reset":      int(r.StaleReset),
		"tenant_errors":    r.TenantErrors,
	}, nil
}

func flowProcessQueue(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argIntOr(args, "tenant_id", 0)
	if err != nil {
		return "", nil, err
	}
	limit, err := argIntOr(args, "limit", 0)
	if err != nil {
		return "", nil, err
	}
	r, err := h.syncer.ProcessQueue(ctx, tenantID, int(limit))
	if err != nil {
		return "", nil, err
	}
	return "ok", map[string]interface{}{
		"processed":       r.Processed,
		"successful":      r.Successful,
		"failed":          r.Failed,
		"exhausted":       r.Exhausted,
		"skipped_tenants": r.SkippedTenants,
	}, nil
}

func flowProcessRegenerations(ctx context.Context, h *Harness, _ map[string]interface{}) (string, map[string]interface{}, error) {
	r, err := h.syncer.ProcessRegenerations(ctx)
	if err != nil {
		return "", nil, err
	}
	return "ok", map[string]interface{}{
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"deferred":  r.Deferred,
	}, nil
}

func flowRequestRegeneration(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	created, err := h.syncer.RequestRegeneration(ctx, tenantID, argString(args, "reason", "manual"), "harness")
	if err != nil {
		return "", nil, err
	}
	if created {
		return "queued", map[string]interface{}{}, nil
	}
	return "merged", map[string]interface{}{}, nil
}

func flowRegenerateNow(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	outcome, err := h.syncer.RegenerateNow(ctx, tenantID, argString(args, "reason", "manual"), "harness")
	if err != nil {
		return "", nil, err
	}
	return outcome.String(), map[string]interface{}{}, nil
}

func flowSaveRule(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	r, err := ruleFromArgs(args)
	if err != nil {
		return "", nil, err
	}
	res, err := h.rules.Save(ctx, r, "harness")
	var verr rules.ValidationError
	if errors.As(err, &verr) {
		return "invalid", map[string]interface{}{"code": verr.Code, "field": verr.Field}, nil
	}
	if err != nil {
		return "", nil, err
	}

	fields := map[string]interface{}{"queued": res.Queued}
	switch {
	case res.Created:
		return "created", fields, nil
	case res.Changed:
		return "changed", fields, nil
	default:
		return "unchanged", fields, nil
	}
}

func flowDeleteRule(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	removed, err := h.rules.Delete(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	if removed {
		return "deleted", map[string]interface{}{}, nil
	}
	return "absent", map[string]interface{}{}, nil
}

// syncCase maps a manual push error to an output case.
func syncCase(res syncer.SyncResult, err error) (string, map[string]interface{}) {
	fields := map[string]interface{}{"records": res.Records}
	switch {
	case err == nil:
		return "ok", fields
	case errors.Is(err, queue.ErrTenantBusy):
		return "busy", fields
	case errors.Is(err, syncer.ErrNotConfigured):
		return "not_configured", fields
	default:
		fields["error"] = err.Error()
		return "error", fields
	}
}

func flowPush(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	outcome, fields := syncCase(h.syncer.SyncBatch(ctx, tenantID, nil, model.OpManual))
	return outcome, fields, nil
}

func flowPushSnapshot(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	outcome, fields := syncCase(h.syncer.PushSnapshot(ctx, tenantID))
	return outcome, fields, nil
}

// flowHoldLock takes the tenant lease as a foreign holder, as another process would.
func flowHoldLock(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	other := lock.NewManager(h.store,
		lock.WithClock(h.clock),
		lock.WithTTL(h.locks.TTL()),
		lock.WithHolder(argString(args, "holder", "other")))
	ok, err := other.TryAcquire(ctx, tenantID, argString(args, "operation", model.OpManual))
	if err != nil {
		return "", nil, err
	}
	if ok {
		return "acquired", map[string]interface{}{}, nil
	}
	return "busy", map[string]interface{}{}, nil
}

func flowReleaseLock(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	removed, err := h.locks.ForceRelease(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	if removed {
		return "released", map[string]interface{}{}, nil
	}
	return "absent", map[string]interface{}{}, nil
}

func flowDeleteCredential(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	tenantID, err := argInt(args, "tenant_id")
	if err != nil {
		return "", nil, err
	}
	removed, err := h.store.DeleteCredential(ctx, tenantID, h.clock.Now())
	if err != nil {
		return "", nil, err
	}
	if removed {
		return "deleted", map[string]interface{}{}, nil
	}
	return "absent", map[string]interface{}{}, nil
}

func flowAdvanceClock(_ context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	d, err := argDuration(args, "by")
	if err != nil {
		return "", nil, err
	}
	h.clock.Advance(d)
	return "ok", map[string]interface{}{}, nil
}

// flowRemote changes how the fake remote answers: status (HTTP status, 0 for
// success) and reject (unconfirmed 2xx body).
func flowRemote(_ context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	status, err := argIntOr(args, "status", 0)
	if err != nil {
		return "", nil, err
	}
	h.pusher.FailWith(int(status))
	h.pusher.Reject(argBool(args, "reject"))
	return "ok", map[string]interface{}{}, nil
}

func flowCleanup(ctx context.Context, h *Harness, args map[string]interface{}) (string, map[string]interface{}, error) {
	retention, err := argDuration(args, "retention")
	if err != nil {
		return "", nil, err
	}
	r, err := h.syncer.Cleanup(ctx, retention)
	if err != nil {
		return "", nil, err
	}
	return "ok", map[string]interface{}{
		"queue":         int(r.Queue),
		"regenerations": int(r.Regenerations),
	}, nil
}
