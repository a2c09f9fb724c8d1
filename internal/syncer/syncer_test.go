package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/generator"
	"github.com/roach88/compsync/internal/lock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/remote"
	"github.com/roach88/compsync/internal/rules"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type pushCall struct {
	TenantID   int64
	ResourceID string
	Records    []model.FormattedRecord
}

// fakePusher records pushes. fail, when set, turns every push into an HTTP failure.
type fakePusher struct {
	mu     sync.Mutex
	calls  []pushCall
	fail   bool
	panics bool
}

func (p *fakePusher) Push(_ context.Context, tenantID int64, _ model.Credential, resourceID string, records []model.FormattedRecord) (remote.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics {
		panic("remote exploded")
	}
	body, _ := json.Marshal(remote.Payload{ResourceID: resourceID, Resources: records})
	p.calls = append(p.calls, pushCall{TenantID: tenantID, ResourceID: resourceID, Records: records})
	if p.fail {
		return remote.Outcome{
			Kind:         remote.FailureHTTP,
			StatusCode:   503,
			RequestBody:  body,
			ResponseBody: "unavailable",
			Err:          &remote.HTTPError{StatusCode: 503, Body: "unavailable"},
		}, nil
	}
	return remote.Outcome{OK: true, StatusCode: 200, RequestBody: body, ResponseBody: `{"id":"ok"}`}, nil
}

func (p *fakePusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

func (p *fakePusher) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

type fixture struct {
	store     *store.Store
	clock     *clock.Fake
	locks     *lock.Manager
	regens    *queue.RegenerationQueue
	snapshots *snapshot.Store
	pusher    *fakePusher
	syncer    *Syncer
	rules     *rules.Manager
}

type fixtureOpts struct {
	guard   *generator.MemoryGuard
	options Options
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewFake(testNow)
	locks := lock.NewManager(s, lock.WithClock(clk))
	completions := queue.NewCompletionQueue(s, locks, clk, queue.DefaultMaxAttempts)
	regens := queue.NewRegenerationQueue(s, clk)
	snaps, err := snapshot.New(afero.NewMemMapFs(), "/snapshots")
	require.NoError(t, err)
	pusher := &fakePusher{}

	sy := New(Deps{
		Store:         s,
		Locks:         locks,
		Completions:   completions,
		Regenerations: regens,
		Generator:     generator.New(s, fo.guard, generator.Options{BatchSize: 2}),
		Snapshots:     snaps,
		Remote:        pusher,
		Audit:         audit.NewRecorder(s, clk, 0),
		Clock:         clk,
	}, fo.options)

	f := &fixture{
		store:     s,
		clock:     clk,
		locks:     locks,
		regens:    regens,
		snapshots: snaps,
		pusher:    pusher,
		syncer:    sy,
		rules:     rules.NewManager(s, regens, clk),
	}
	f.seedTenant(t, 1, []int64{10}, model.ModeAny)
	return f
}

// seedTenant creates a tenant with a credential, a rule, courses and users 5 and 6.
func (f *fixture) seedTenant(t *testing.T, tenantID int64, courses []int64, mode model.CompletionMode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertTenant(ctx, model.Tenant{ID: tenantID, Name: fmt.Sprintf("tenant %d", tenantID)}))
	for _, c := range courses {
		require.NoError(t, f.store.UpsertCourse(ctx, model.Course{
			ID:        c,
			FullName:  fmt.Sprintf("Course %d", c),
			ShortName: fmt.Sprintf("C%d", c),
			CreatedAt: testNow.Add(-48 * time.Hour),
		}))
	}
	for _, uid := range []int64{5, 6} {
		id := tenantID*100 + uid
		if tenantID == 1 {
			id = uid
		}
		require.NoError(t, f.store.UpsertUser(ctx, model.User{
			ID:        id,
			TenantID:  tenantID,
			Username:  fmt.Sprintf("user%d", id),
			Email:     fmt.Sprintf("user%d@example.com", id),
			FirstName: "User",
			LastName:  fmt.Sprint(id),
		}))
	}
	_, err := f.store.SaveCredential(ctx, model.Credential{
		TenantID:     tenantID,
		ClientID:     fmt.Sprintf("client-%d", tenantID),
		ClientSecret: "secret",
		Scope:        "resources:write",
		GrantType:    "client_credentials",
		Status:       model.CredentialStatusActive,
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveRule(ctx, model.SyncRule{
		TenantID:       tenantID,
		Courses:        courses,
		CompletionMode: mode,
		ResourceID:     fmt.Sprintf("tenant-%d", tenantID),
	}, testNow))
}

func (f *fixture) attempts(t *testing.T, tenantID int64) []model.SyncAttempt {
	t.Helper()
	out, err := f.store.ListAttempts(context.Background(), tenantID, 100)
	require.NoError(t, err)
	return out
}

func (f *fixture) queued(t *testing.T, tenantID int64) []model.QueuedCompletion {
	t.Helper()
	out, err := f.store.ListQueuedCompletions(context.Background(), tenantID, 100)
	require.NoError(t, err)
	return out
}

func (f *fixture) assertUnlocked(t *testing.T, tenantID int64) {
	t.Helper()
	locked, err := f.locks.IsLocked(context.Background(), tenantID)
	require.NoError(t, err)
	assert.False(t, locked, "tenant %d should be unlocked", tenantID)
}

func uniqueIDs(records []model.FormattedRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.UniqueID
	}
	return ids
}

func TestScenarioA_CompletionSyncsFullSnapshot(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res := f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10})
	require.NoError(t, res.Err)
	assert.Equal(t, EventSynced, res.State)
	assert.Equal(t, int64(1), res.TenantID)
	assert.Equal(t, 1, res.Records)

	calls := f.pusher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tenant-1", calls[0].ResourceID)
	assert.Equal(t, []string{"user5_course10"}, uniqueIDs(calls[0].Records))

	snap, err := f.snapshots.Load(1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RecordCount)

	attempts := f.attempts(t, 1)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, int64(5), attempts[0].UserID)
	assert.Equal(t, "user5@example.com", attempts[0].UserEmail)
	assert.Equal(t, "Course 10", attempts[0].CourseName)
	assert.Equal(t, res.CorrelationID, attempts[0].CorrelationID)
	assert.Contains(t, attempts[0].RequestPayload, "user5_course10")

	f.assertUnlocked(t, 1)
}

func TestScenarioB_LockedTenantQueuesEvent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	other := lock.NewManager(f.store, lock.WithClock(f.clock), lock.WithHolder("other-process"))
	ok, err := other.TryAcquire(ctx, 1, model.OpRegeneration)
	require.NoError(t, err)
	require.True(t, ok)

	res := f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 6, CourseID: 10})
	assert.Equal(t, EventQueued, res.State)
	assert.NoError(t, res.Err)

	assert.Empty(t, f.pusher.Calls())
	_, err = f.snapshots.Load(1)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	queued := f.queued(t, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, model.StatusPending, queued[0].Status)
	assert.Equal(t, int64(6), queued[0].UserID)

	attempts := f.attempts(t, 1)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptQueued, attempts[0].Status)

	// The other holder's lease is untouched.
	l, found, err := f.locks.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "other-process", l.Holder)
}

func TestScenarioC_RepeatedRuleEditsCollapse(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCourse(ctx, model.Course{ID: 11, FullName: "Course 11", CreatedAt: testNow}))
	require.NoError(t, f.store.UpsertCourse(ctx, model.Course{ID: 12, FullName: "Course 12", CreatedAt: testNow}))

	for _, courses := range [][]int64{{10, 11}, {10, 12}, {10, 11, 12}} {
		_, err := f.rules.Save(ctx, model.SyncRule{
			TenantID:   1,
			Courses:    courses,
			ResourceID: "tenant-1",
		}, "admin")
		require.NoError(t, err)
	}

	pending, err := f.regens.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].TenantID)

	report, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Regenerations.Succeeded)
	assert.Len(t, f.pusher.Calls(), 1)

	_, found, err := f.regens.Status(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found, "successful regeneration deletes the request")
	f.assertUnlocked(t, 1)
}

func TestScenarioD_QueueEntryFailsAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.pusher.setFail(true)

	_, err := f.syncer.completions.Enqueue(ctx, 5, 10, 1, "tenant_locked")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		report, err := f.syncer.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Queue.Failed, "sweep %d", i)
	}

	queued := f.queued(t, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, model.StatusFailed, queued[0].Status)
	assert.Equal(t, 3, queued[0].Attempts)

	report, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Queue.Processed)
	assert.Len(t, f.pusher.Calls(), 3)

	attempts := f.attempts(t, 1)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, model.AttemptError, a.Status)
		assert.Equal(t, int64(5), a.UserID)
		assert.Equal(t, int64(10), a.CourseID)
		assert.Equal(t, "user5@example.com", a.UserEmail)
	}
	f.assertUnlocked(t, 1)
}

func TestOnCourseCompleted_FullReplacement(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10}).State)
	require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 6, CourseID: 10}).State)

	calls := f.pusher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"user5_course10"}, uniqueIDs(calls[0].Records))
	assert.ElementsMatch(t, []string{"user5_course10", "user6_course10"}, uniqueIDs(calls[1].Records))
}

func TestOnCourseCompleted_Skips(t *testing.T) {
	t.Run("course not in rule", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		require.NoError(t, f.store.UpsertCourse(ctx, model.Course{ID: 99, FullName: "Other", CreatedAt: testNow}))

		res := f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 99})
		assert.Equal(t, EventSkipped, res.State)
		assert.Equal(t, ReasonCourseNotInRule, res.Reason)
		assert.Empty(t, f.pusher.Calls())

		// The completion fact is still recorded.
		fact, err := f.store.GetCompletion(ctx, 5, 99)
		require.NoError(t, err)
		assert.Equal(t, model.CompletionStatusCompleted, fact.Status)
	})

	t.Run("no credential", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		_, err := f.store.DeleteCredential(ctx, 1, testNow)
		require.NoError(t, err)

		res := f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10})
		assert.Equal(t, EventSkipped, res.State)
		assert.Equal(t, ReasonNotConfigured, res.Reason)
		assert.ErrorIs(t, res.Err, ErrNotConfigured)

		attempts := f.attempts(t, 1)
		require.Len(t, attempts, 1)
		assert.Equal(t, model.AttemptSkipped, attempts[0].Status)
	})

	t.Run("regeneration pending", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		_, err := f.regens.Request(ctx, 1, "rule_changed", "admin")
		require.NoError(t, err)

		res := f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10})
		assert.Equal(t, EventSkipped, res.State)
		assert.Equal(t, ReasonRegenerationPending, res.Reason)
		assert.Empty(t, f.pusher.Calls())
		f.assertUnlocked(t, 1)
	})
}

func TestOnCourseCompleted_Errors(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		res := f.syncer.OnCourseCompleted(context.Background(), CompletionEvent{UserID: 404, CourseID: 10})
		assert.Equal(t, EventError, res.State)
		assert.ErrorIs(t, res.Err, store.ErrNotFound)
		assert.Equal(t, int64(0), res.TenantID)

		attempts := f.attempts(t, 0)
		require.Len(t, attempts, 1)
		assert.Equal(t, model.AttemptError, attempts[0].Status)
	})

	t.Run("missing course row", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		res := f.syncer.OnCourseCompleted(context.Background(), CompletionEvent{UserID: 5, CourseID: 404})
		assert.Equal(t, EventError, res.State)
		assert.ErrorIs(t, res.Err, store.ErrNotFound)
	})

	t.Run("push failure", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.pusher.setFail(true)
		res := f.syncer.OnCourseCompleted(context.Background(), CompletionEvent{UserID: 5, CourseID: 10})
		assert.Equal(t, EventError, res.State)
		_, isHTTP := remote.IsHTTPError(res.Err)
		assert.True(t, isHTTP)

		attempts := f.attempts(t, 1)
		require.Len(t, attempts, 1)
		assert.Equal(t, model.AttemptError, attempts[0].Status)
		assert.Equal(t, "unavailable", attempts[0].ResponsePayload)
		f.assertUnlocked(t, 1)
	})

	t.Run("memory ceiling", func(t *testing.T) {
		probe := generator.ProbeFunc(func() (uint64, error) { return 1 << 40, nil })
		guard, err := generator.NewMemoryGuard(probe, 1<<30, 80)
		require.NoError(t, err)
		f := newFixture(t, fixtureOpts{guard: guard})

		res := f.syncer.OnCourseCompleted(context.Background(), CompletionEvent{UserID: 5, CourseID: 10})
		assert.Equal(t, EventError, res.State)
		assert.ErrorIs(t, res.Err, generator.ErrMemoryCeiling)
		assert.Empty(t, f.pusher.Calls())
		f.assertUnlocked(t, 1)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.pusher.panics = true

		res := f.syncer.OnCourseCompleted(context.Background(), CompletionEvent{UserID: 5, CourseID: 10})
		assert.Equal(t, EventError, res.State)
		assert.Contains(t, res.Err.Error(), "panic")
		f.assertUnlocked(t, 1)
	})
}

func TestSyncBatch(t *testing.T) {
	t.Run("formatted batch is pushed as-is", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		records := []model.FormattedRecord{{UniqueID: "user9_course10", DisplayName: "Manual"}}

		res, err := f.syncer.SyncBatch(context.Background(), 1, model.FormattedBatch{Records: records}, model.OpManual)
		require.NoError(t, err)
		assert.False(t, res.Generated)

		calls := f.pusher.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, records, calls[0].Records)
		_, err = f.snapshots.Load(1)
		assert.ErrorIs(t, err, snapshot.ErrNotFound, "formatted batches do not rewrite the snapshot")
	})

	t.Run("busy tenant", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		other := lock.NewManager(f.store, lock.WithClock(f.clock), lock.WithHolder("other"))
		_, err := other.TryAcquire(context.Background(), 1, model.OpManual)
		require.NoError(t, err)

		_, err = f.syncer.SyncBatch(context.Background(), 1, nil, model.OpManual)
		assert.ErrorIs(t, err, queue.ErrTenantBusy)
		assert.Empty(t, f.pusher.Calls())
	})

	t.Run("push from stored snapshot", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10}).State)

		res, err := f.syncer.PushSnapshot(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Records)

		calls := f.pusher.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, calls[0].Records, calls[1].Records)
	})

	t.Run("stored snapshot is read under the lease", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10}).State)

		// Another process saves a newer snapshot after the call starts.
		newer := []model.FormattedRecord{{UniqueID: "user5_course10"}, {UniqueID: "user6_course10"}}
		f.syncer.beforePushSnapshotLock = func() {
			snap, err := model.NewSnapshot(1, "tenant-1", testNow.Add(time.Minute), newer)
			require.NoError(t, err)
			_, err = f.snapshots.Save(snap)
			require.NoError(t, err)
		}

		res, err := f.syncer.PushSnapshot(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Records)

		calls := f.pusher.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, []string{"user5_course10", "user6_course10"}, uniqueIDs(calls[1].Records))
	})

	t.Run("stored snapshot is not pushed while another holder runs", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10}).State)

		other := lock.NewManager(f.store, lock.WithClock(f.clock), lock.WithHolder("other"))
		f.syncer.beforePushSnapshotLock = func() {
			ok, err := other.TryAcquire(ctx, 1, model.OpRegeneration)
			require.NoError(t, err)
			require.True(t, ok)
		}

		_, err := f.syncer.PushSnapshot(ctx, 1)
		assert.ErrorIs(t, err, queue.ErrTenantBusy)
		assert.Len(t, f.pusher.Calls(), 1)
	})

	t.Run("snapshot for another resource is refused", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		require.Equal(t, EventSynced, f.syncer.OnCourseCompleted(ctx, CompletionEvent{UserID: 5, CourseID: 10}).State)

		require.NoError(t, f.store.SaveRule(ctx, model.SyncRule{
			TenantID:       1,
			Courses:        []int64{10},
			CompletionMode: model.ModeAny,
			ResourceID:     "tenant-1-moved",
		}, testNow))

		_, err := f.syncer.PushSnapshot(ctx, 1)
		assert.ErrorIs(t, err, ErrResourceMismatch)
		assert.Len(t, f.pusher.Calls(), 1)
		f.assertUnlocked(t, 1)

		attempts := f.attempts(t, 1)
		require.Len(t, attempts, 2)
		statuses := []string{attempts[0].Status, attempts[1].Status}
		assert.Contains(t, statuses, model.AttemptError)
	})
}

func TestProcessQueue_OneSyncSettlesTenantRows(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	for _, uid := range []int64{5, 6} {
		require.NoError(t, f.store.UpsertCompletion(ctx, model.CompletionFact{UserID: uid, CourseID: 10, Status: model.CompletionStatusCompleted, CompletedAt: &testNow}, testNow))
		_, err := f.syncer.completions.Enqueue(ctx, uid, 10, 1, "tenant_locked")
		require.NoError(t, err)
	}

	res, err := f.syncer.ProcessQueue(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Successful)

	calls := f.pusher.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Records, 2)

	// One attempt row per drained completion, sharing the sync's correlation ID.
	attempts := f.attempts(t, 1)
	require.Len(t, attempts, 2)
	users := map[int64]model.SyncAttempt{}
	for _, a := range attempts {
		users[a.UserID] = a
	}
	require.Contains(t, users, int64(5))
	require.Contains(t, users, int64(6))
	for uid, a := range users {
		assert.Equal(t, model.AttemptSuccess, a.Status)
		assert.Equal(t, int64(10), a.CourseID)
		assert.Equal(t, fmt.Sprintf("user%d@example.com", uid), a.UserEmail)
		assert.Equal(t, "Course 10", a.CourseName)
	}
	assert.Equal(t, users[5].CorrelationID, users[6].CorrelationID)
	assert.NotEmpty(t, users[5].CorrelationID)
}

func TestRegenerateNow(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	outcome, err := f.syncer.RegenerateNow(ctx, 1, "operator", "cli")
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeSucceeded, outcome)
	assert.Len(t, f.pusher.Calls(), 1)
}

func TestRegenerateNow_FailureIsFailStop(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.pusher.setFail(true)

	outcome, err := f.syncer.RegenerateNow(ctx, 1, "operator", "cli")
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeFailed, outcome)

	req, found, err := f.regens.Status(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusFailed, req.Status)
	assert.NotEmpty(t, req.ErrorMessage)

	// A failed request is not retried by the sweep.
	_, err = f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, f.pusher.Calls(), 1)
}

func TestSweep_LockedTenantDefersRegeneration(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	_, err := f.regens.Request(ctx, 1, "rule_changed", "admin")
	require.NoError(t, err)

	other := lock.NewManager(f.store, lock.WithClock(f.clock), lock.WithHolder("other"))
	_, err = other.TryAcquire(ctx, 1, model.OpCompletion)
	require.NoError(t, err)

	report, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Regenerations.Deferred)

	req, found, err := f.regens.Status(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusPending, req.Status)
}

func TestSweep_ManyTenantsConcurrently(t *testing.T) {
	f := newFixture(t, fixtureOpts{options: Options{Concurrency: 3}})
	ctx := context.Background()
	for tid := int64(2); tid <= 6; tid++ {
		f.seedTenant(t, tid, []int64{10}, model.ModeAny)
	}
	for tid := int64(1); tid <= 6; tid++ {
		_, err := f.regens.Request(ctx, tid, "rule_changed", "admin")
		require.NoError(t, err)
	}

	report, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Regenerations.Succeeded)
	assert.Len(t, f.pusher.Calls(), 6)
}

func TestSweep_ShardedWorkerOnlyTouchesOwnTenants(t *testing.T) {
	workers := []string{"worker-a", "worker-b", "worker-c"}
	sharder := NewSharder(workers, "worker-a")
	require.NotNil(t, sharder)

	f := newFixture(t, fixtureOpts{options: Options{Sharder: sharder}})
	ctx := context.Background()
	for tid := int64(2); tid <= 8; tid++ {
		f.seedTenant(t, tid, []int64{10}, model.ModeAny)
	}
	owned := map[int64]bool{}
	for tid := int64(1); tid <= 8; tid++ {
		_, err := f.regens.Request(ctx, tid, "rule_changed", "admin")
		require.NoError(t, err)
		owned[tid] = sharder.Owns(tid)
	}

	_, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)

	for _, c := range f.pusher.Calls() {
		assert.True(t, owned[c.TenantID], "tenant %d is not owned by worker-a", c.TenantID)
	}
	for tid, mine := range owned {
		_, found, err := f.regens.Status(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, !mine, found, "tenant %d", tid)
	}
}

func TestSweep_HostLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.lock")
	f := newFixture(t, fixtureOpts{options: Options{LockFile: path}})

	report, err := f.syncer.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)

	exists, err := afero.Exists(afero.NewOsFs(), path)
	require.NoError(t, err)
	assert.False(t, exists, "lock file is removed after the sweep")
}

func TestSweep_ResetsStaleRegenerations(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	_, err := f.regens.Request(ctx, 1, "rule_changed", "admin")
	require.NoError(t, err)
	req, _, err := f.regens.Status(ctx, 1)
	require.NoError(t, err)
	claimed, err := f.store.ClaimRegeneration(ctx, req.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	f.clock.Advance(2 * time.Hour)
	report, err := f.syncer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.StaleReset)
	assert.Equal(t, 1, report.Regenerations.Succeeded)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.syncer.completions.Enqueue(ctx, 5, 10, 1, "tenant_locked")
	require.NoError(t, err)
	_, err = f.syncer.ProcessQueue(ctx, 1, 10)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.syncer.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Queue)
	assert.Empty(t, f.queued(t, 1))
}

func TestSharder(t *testing.T) {
	assert.Nil(t, NewSharder(nil, "a"))
	assert.Nil(t, NewSharder([]string{"a"}, ""))

	var nilSharder *Sharder
	assert.True(t, nilSharder.Owns(42))

	a := NewSharder([]string{"a", "b"}, "a")
	b := NewSharder([]string{"a", "b"}, "b")
	for tid := int64(1); tid <= 50; tid++ {
		assert.NotEqual(t, a.Owns(tid), b.Owns(tid), "tenant %d must have exactly one owner", tid)
		assert.Equal(t, a.Owner(tid), b.Owner(tid))
	}
}

func TestSafely(t *testing.T) {
	err := safely("test", 1, func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	sentinel := errors.New("plain")
	assert.ErrorIs(t, safely("test", 1, func() error { return sentinel }), sentinel)
}
