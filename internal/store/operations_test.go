package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compsync/internal/model"
)

func TestResolveTenant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, 1)
	seedUser(t, s, 5, 1)

	tenantID, err := s.ResolveTenant(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tenantID)

	_, err = s.ResolveTenant(ctx, 6)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertUser(ctx, model.User{ID: 5, TenantID: 1, Username: "u", Deleted: true}))
	_, err = s.ResolveTenant(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound, "deleted users do not resolve")
}

func TestCourses_DueDateNullable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	due := testNow.Add(24 * time.Hour)
	require.NoError(t, s.UpsertCourse(ctx, model.Course{ID: 1, FullName: "A", CreatedAt: testNow, DueAt: &due}))
	require.NoError(t, s.UpsertCourse(ctx, model.Course{ID: 2, FullName: "B", CreatedAt: testNow}))

	courses, err := s.GetCourses(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, courses, 2)
	require.NotNil(t, courses[1].DueAt)
	assert.Equal(t, due, *courses[1].DueAt)
	assert.Nil(t, courses[2].DueAt)

	_, err = s.GetCourse(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentials_OneLivePerTenant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, 1)

	_, err := s.ActiveCredential(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.SaveCredential(ctx, model.Credential{TenantID: 1, ClientID: "old", ClientSecret: "s"}, testNow)
	require.NoError(t, err)
	_, err = s.SaveCredential(ctx, model.Credential{TenantID: 1, ClientID: "new", ClientSecret: "s2", Scope: "write"}, testNow)
	require.NoError(t, err)

	cred, err := s.ActiveCredential(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.ClientID)
	assert.Equal(t, "client_credentials", cred.GrantType)

	deleted, err := s.DeleteCredential(ctx, 1, testNow)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.ActiveCredential(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM credentials WHERE tenant_id = 1`).Scan(&rows))
	assert.Equal(t, 2, rows, "credentials are soft-deleted")
}

func TestRules_SaveGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, 1)

	rule := model.SyncRule{TenantID: 1, Frameworks: []string{"SOC 2", "HIPAA"}, Courses: []int64{10, 11}, CompletionMode: model.ModeAll, ResourceID: "res-1"}
	require.NoError(t, s.SaveRule(ctx, rule, testNow))

	got, err := s.GetRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rule, got)

	rule.Courses = []int64{12}
	require.NoError(t, s.SaveRule(ctx, rule, testNow))
	got, err = s.GetRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, got.Courses)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	deleted, err := s.DeleteRule(ctx, 1)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetRule(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletedPage_FiltersAndPaginates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, 1)
	seedTenant(t, s, 2)
	seedCourse(t, s, 10)
	seedCourse(t, s, 11)
	for uid := int64(1); uid <= 5; uid++ {
		seedUser(t, s, uid, 1)
		seedCompleted(t, s, uid, 10)
	}
	seedUser(t, s, 50, 2)
	seedCompleted(t, s, 50, 10) // other tenant
	require.NoError(t, s.UpsertCompletion(ctx, model.CompletionFact{UserID: 1, CourseID: 11, Status: "inprogress"}, testNow))
	seedCompleted(t, s, 2, 99) // course outside rule, no course row

	page1, err := s.CompletedPage(ctx, 1, []int64{10, 11}, 0, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	page2, err := s.CompletedPage(ctx, 1, []int64{10, 11}, page1[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	page3, err := s.CompletedPage(ctx, 1, []int64{10, 11}, page2[1].ID, 3)
	require.NoError(t, err)
	assert.Empty(t, page3)

	for _, r := range append(page1, page2...) {
		assert.Equal(t, int64(1), r.User.TenantID)
		assert.Equal(t, int64(10), r.CourseID)
		require.NotNil(t, r.Course)
		require.NotNil(t, r.CompletedAt)
	}
}

func TestCompletedPage_MissingCourseRow(t *testing.T) {
	s := createTestStore(t)
	seedTenant(t, s, 1)
	seedUser(t, s, 1, 1)
	seedCompleted(t, s, 1, 77)

	rows, err := s.CompletedPage(context.Background(), 1, []int64{77}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Course)
}

func TestQualifyingUsers_AllMode(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, 1)
	seedCourse(t, s, 10)
	seedCourse(t, s, 11)
	seedUser(t, s, 7, 1)
	seedUser(t, s, 8, 1)
	seedCompleted(t, s, 7, 10)
	seedCompleted(t, s, 7, 11)
	seedCompleted(t, s, 8, 10)

	users, err := s.QualifyingUsers(ctx, 1, []int64{10, 11}, 2, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, users)

	rows, err := s.CompletedForUsers(ctx, 1, []int64{10, 11}, users)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(10), rows[0].CourseID)
	assert.Equal(t, int64(11), rows[1].CourseID)
}

func TestLeases_ConditionalAcquire(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	lease := model.Lock{TenantID: 1, Operation: model.OpCompletion, Holder: "a", AcquiredAt: testNow, ExpiresAt: testNow.Add(time.Hour)}
	ok, err := s.AcquireLease(ctx, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	contender := lease
	contender.Holder = "b"
	contender.AcquiredAt = testNow.Add(30 * time.Minute)
	contender.ExpiresAt = contender.AcquiredAt.Add(time.Hour)
	ok, err = s.AcquireLease(ctx, contender)
	require.NoError(t, err)
	assert.False(t, ok, "live lease blocks")

	contender.AcquiredAt = testNow.Add(time.Hour)
	contender.ExpiresAt = contender.AcquiredAt.Add(time.Hour)
	ok, err = s.AcquireLease(ctx, contender)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	got, err := s.GetLease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Holder)

	released, err := s.DeleteLeaseHeld(ctx, 1, "a")
	require.NoError(t, err)
	assert.False(t, released, "non-holder cannot release")

	released, err = s.DeleteLeaseHeld(ctx, 1, "b")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestQueue_EnqueueMergesPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	created, err := s.EnqueueCompletion(ctx, 5, 10, 1, "locked", testNow)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnqueueCompletion(ctx, 5, 10, 1, "locked again", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := s.PendingCompletions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "locked again", pending[0].Reason)
	assert.Equal(t, testNow.Add(time.Minute), pending[0].QueuedAt)
}

func TestQueue_FailAfterMaxAttempts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.EnqueueCompletion(ctx, 5, 10, 1, "r", testNow)
	require.NoError(t, err)
	pending, err := s.PendingCompletions(ctx, 1, 10)
	require.NoError(t, err)
	id := pending[0].ID

	for i, want := range []string{model.StatusPending, model.StatusPending, model.StatusFailed} {
		status, err := s.FailQueued(ctx, id, "boom", 3, testNow)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, want, status, "attempt %d", i+1)
	}

	_, err = s.FailQueued(ctx, id, "boom", 3, testNow)
	assert.ErrorIs(t, err, ErrNotFound, "terminal rows are not updated")

	// A new event after failure creates a fresh pending row.
	created, err := s.EnqueueCompletion(ctx, 5, 10, 1, "r", testNow)
	require.NoError(t, err)
	assert.True(t, created)

	counts, err := s.CountQueued(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.StatusFailed: 1, model.StatusPending: 1}, counts)
}

func TestQueue_PurgeTerminalRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.EnqueueCompletion(ctx, 1, 10, 1, "r", testNow)
	require.NoError(t, err)
	_, err = s.EnqueueCompletion(ctx, 2, 10, 1, "r", testNow)
	require.NoError(t, err)
	pending, err := s.PendingCompletions(ctx, 1, 10)
	require.NoError(t, err)
	require.NoError(t, s.CompleteQueued(ctx, pending[0].ID, testNow))

	n, err := s.PurgeQueued(ctx, testNow.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending rows survive purge")

	tenants, err := s.TenantsWithPendingCompletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, tenants)
}

func TestRegenerations_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.UpsertRegeneration(ctx, 1, "rule changed", "admin", testNow.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	pending, err := s.PendingRegenerations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "repeated requests collapse")

	id := pending[0].ID
	claimed, err := s.ClaimRegeneration(ctx, id, testNow)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimRegeneration(ctx, id, testNow)
	require.NoError(t, err)
	assert.False(t, claimed)

	has, err := s.HasPendingRegeneration(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.FailRegeneration(ctx, id, "push failed", testNow))
	latest, err := s.LatestRegeneration(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, latest.Status)
	assert.Equal(t, "push failed", latest.ErrorMessage)

	n, err := s.PurgeRegenerations(ctx, testNow.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRegenerations_UnclaimAndStaleReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertRegeneration(ctx, 1, "first", "admin", testNow)
	require.NoError(t, err)
	pending, err := s.PendingRegenerations(ctx)
	require.NoError(t, err)
	first := pending[0].ID
	_, err = s.ClaimRegeneration(ctx, first, testNow)
	require.NoError(t, err)

	// A new request arrives while the first is processing.
	created, err := s.UpsertRegeneration(ctx, 1, "second", "admin", testNow)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.UnclaimRegeneration(ctx, first))
	pending, err = s.PendingRegenerations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Reason)

	_, err = s.ClaimRegeneration(ctx, pending[0].ID, testNow)
	require.NoError(t, err)
	n, err := s.ResetStaleRegenerations(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	has, err := s.HasPendingRegeneration(ctx, 1)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAttempts_AppendAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, status := range []string{model.AttemptSuccess, model.AttemptError, model.AttemptQueued} {
		_, err := s.InsertAttempt(ctx, model.SyncAttempt{
			TenantID: 1, UserID: 5, CourseID: 10, Status: status, SyncedAt: testNow.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := s.InsertAttempt(ctx, model.SyncAttempt{TenantID: 2, Status: model.AttemptSkipped, SyncedAt: testNow})
	require.NoError(t, err)

	list, err := s.ListAttempts(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.AttemptQueued, list[0].Status, "newest first")

	counts, err := s.CountAttempts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[model.AttemptSuccess]+counts[model.AttemptError]+counts[model.AttemptQueued]+counts[model.AttemptSkipped])
}
