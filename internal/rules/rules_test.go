package rules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *store.Store, *queue.RegenerationQueue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		require.NoError(t, s.UpsertTenant(ctx, model.Tenant{ID: id, Name: "tenant"}))
	}

	clk := clock.NewFake(testNow)
	regen := queue.NewRegenerationQueue(s, clk)
	return NewManager(s, regen, clk), s, regen
}

func validRule() model.SyncRule {
	return model.SyncRule{
		TenantID:       1,
		Frameworks:     []string{"SOC 2"},
		Courses:        []int64{10, 11},
		CompletionMode: model.ModeAny,
		ResourceID:     "acme-training",
	}
}

func TestLoad_File(t *testing.T) {
	rules, err := Load("testdata/valid/rules.cue")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, model.SyncRule{
		TenantID:       1,
		Frameworks:     []string{"SOC 2", "ISO 27001"},
		Courses:        []int64{11, 10},
		CompletionMode: model.ModeAll,
		ResourceID:     "acme-training",
	}, rules[0])

	// mode defaults to ANY and frameworks are optional.
	assert.Equal(t, int64(2), rules[1].TenantID)
	assert.Equal(t, model.ModeAny, rules[1].CompletionMode)
	assert.Empty(t, rules[1].Frameworks)
}

func TestLoad_Directory(t *testing.T) {
	rules, err := Load("testdata/valid")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestLoad_SchemaViolation(t *testing.T) {
	_, err := Load("testdata/invalid/rules.cue")
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeSchema, le.Code)
}

func TestLoad_MissingPath(t *testing.T) {
	_, err := Load("testdata/nope.cue")
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		code    string
		wantLen int
	}{
		{
			name:    "single rule",
			src:     `rule: "7": {courses: [1], resource_id: "r7"}`,
			wantLen: 1,
		},
		{
			name: "syntax error",
			src:  `rule: "7": {courses: [1`,
			code: ErrCodeBuildFailed,
		},
		{
			name: "no rules",
			src:  `other: 1`,
			code: ErrCodeNoRules,
		},
		{
			name: "non numeric tenant",
			src:  `rule: acme: {courses: [1], resource_id: "r"}`,
			code: ErrCodeSchema,
		},
		{
			name: "negative course",
			src:  `rule: "7": {courses: [-1], resource_id: "r7"}`,
			code: ErrCodeSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := Parse("inline.cue", []byte(tt.src))
			if tt.code == "" {
				require.NoError(t, err)
				assert.Len(t, rules, tt.wantLen)
				return
			}
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(validRule()))

	bad := model.SyncRule{
		TenantID:       0,
		Frameworks:     []string{" "},
		Courses:        []int64{0},
		CompletionMode: "SOME",
	}
	codes := map[string]bool{}
	for _, e := range Validate(bad) {
		codes[e.Code] = true
	}
	for _, want := range []string{ErrRuleTenant, ErrRuleResourceID, ErrRuleCourseID, ErrRuleMode, ErrRuleFramework} {
		assert.True(t, codes[want], "missing %s", want)
	}

	assert.Equal(t, ErrRuleNoCourses, Validate(model.SyncRule{TenantID: 1, ResourceID: "r"})[0].Code)
}

func TestNormalize(t *testing.T) {
	got := Normalize(model.SyncRule{
		TenantID:       1,
		Frameworks:     []string{" SOC 2 ", "SOC 2", "HIPAA"},
		Courses:        []int64{12, 10, 12},
		CompletionMode: "all",
		ResourceID:     " acme ",
	})
	assert.Equal(t, []string{"SOC 2", "HIPAA"}, got.Frameworks)
	assert.Equal(t, []int64{10, 12}, got.Courses)
	assert.Equal(t, model.ModeAll, got.CompletionMode)
	assert.Equal(t, "acme", got.ResourceID)
}

func TestManager_SaveRequestsRegeneration(t *testing.T) {
	m, _, regen := setup(t)
	ctx := context.Background()

	res, err := m.Save(ctx, validRule(), "admin")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)
	assert.True(t, res.Queued)

	req, found, err := regen.Status(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ReasonRuleCreated, req.Reason)
	assert.Equal(t, "admin", req.TriggeredBy)
}

func TestManager_UnchangedRuleDoesNotRequeue(t *testing.T) {
	m, _, regen := setup(t)
	ctx := context.Background()

	_, err := m.Save(ctx, validRule(), "admin")
	require.NoError(t, err)

	same := validRule()
	same.Courses = []int64{11, 10, 10}
	res, err := m.Save(ctx, same, "admin")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Queued)

	pending, err := regen.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestManager_RepeatedEditsCollapse(t *testing.T) {
	m, _, regen := setup(t)
	ctx := context.Background()

	r := validRule()
	_, err := m.Save(ctx, r, "admin")
	require.NoError(t, err)

	r.CompletionMode = model.ModeAll
	res, err := m.Save(ctx, r, "admin")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Created)

	pending, err := regen.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ReasonRuleChanged, pending[0].Reason)

	stored, err := m.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ModeAll, stored.CompletionMode)
}

func TestManager_SaveRejectsInvalid(t *testing.T) {
	m, _, _ := setup(t)

	r := validRule()
	r.ResourceID = ""
	_, err := m.Save(context.Background(), r, "admin")
	require.Error(t, err)

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, ErrRuleResourceID, ve.Code)

	_, err = m.Get(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_Delete(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	_, err := m.Save(ctx, validRule(), "admin")
	require.NoError(t, err)

	deleted, err := m.Delete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(ctx, 1)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestManager_Import(t *testing.T) {
	m, _, regen := setup(t)
	ctx := context.Background()

	results, err := m.Import(ctx, "testdata/valid/rules.cue", "import")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Created)
	}

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []int64{10, 11}, all[0].Courses)

	pending, err := regen.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
