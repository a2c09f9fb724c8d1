package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("complete", map[string]interface{}{"user_id": 5, "course_id": 10}, 1)
	r.AddInvocationTrace("push", map[string]interface{}{
		"tenant_id":  1,
		"records":    1,
		"unique_ids": []interface{}{"user5_course10"},
	}, 2)
	r.AddCompletionTrace("synced", map[string]interface{}{"tenant_id": 1}, 3)
	r.AddInvocationTrace("sweep", map[string]interface{}{}, 4)
	r.AddCompletionTrace("ok", map[string]interface{}{}, 5)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "push", Args: map[string]interface{}{"tenant_id": 1}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "push", Args: map[string]interface{}{
		"unique_ids": []interface{}{"user5_course10"},
	}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "sweep"}))

	err := assertTraceContains(trace, Assertion{Action: "push", Args: map[string]interface{}{"tenant_id": 2}})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"complete", "push", "sweep"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"complete", "sweep"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"sweep", "complete"}})
	assert.ErrorContains(t, err, "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"complete", "regenerate_now"}})
	assert.ErrorContains(t, err, "missing action: regenerate_now")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "push", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "regenerate_now", Count: 0}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "push", Args: map[string]interface{}{"tenant_id": 2}, Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: "push", Count: 2})
	assert.ErrorContains(t, err, "1 occurrences")
}

func TestMatchArgs(t *testing.T) {
	actual := map[string]interface{}{
		"tenant_id":  1,
		"records":    int64(3),
		"unique_ids": []interface{}{"a", "b"},
		"extra":      "ignored",
	}

	assert.True(t, matchArgs(actual, nil))
	assert.True(t, matchArgs(actual, map[string]interface{}{"tenant_id": 1, "records": 3}))
	assert.True(t, matchArgs(actual, map[string]interface{}{"unique_ids": []interface{}{"a", "b"}}))
	assert.False(t, matchArgs(actual, map[string]interface{}{"unique_ids": []interface{}{"b", "a"}}))
	assert.False(t, matchArgs(actual, map[string]interface{}{"missing": 1}))
	assert.False(t, matchArgs("not a map", map[string]interface{}{"tenant_id": 1}))
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected interface{}
		actual   interface{}
		want     bool
	}{
		{"string", "pending", "pending", true},
		{"bytes", "pending", []byte("pending"), true},
		{"string mismatch", "pending", "failed", false},
		{"int vs int64", 3, int64(3), true},
		{"int mismatch", 3, int64(4), false},
		{"bool true", true, int64(1), true},
		{"bool false", false, int64(0), true},
		{"bool mismatch", true, int64(0), false},
		{"nil both", nil, nil, true},
		{"nil expected", nil, int64(0), false},
		{"string vs int", "3", int64(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]interface{}{"status": "pending", "tenant_id": 1, "processed_at": nil})
	require.NoError(t, err)
	assert.Equal(t, "processed_at IS NULL AND status = ? AND tenant_id = ?", sql)
	assert.Equal(t, []interface{}{"pending", 1}, args)

	_, _, err = buildWhereClause(map[string]interface{}{"status; DROP TABLE x": 1})
	assert.ErrorContains(t, err, "invalid column name")

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}

func TestDatabaseAssertions(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "assert.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertTenant(ctx, model.Tenant{ID: 1, Name: "Acme"}))
	_, err = st.EnqueueCompletion(ctx, 5, 10, 1, "tenant_locked", Epoch)
	require.NoError(t, err)
	_, err = st.EnqueueCompletion(ctx, 6, 10, 1, "tenant_locked", Epoch)
	require.NoError(t, err)

	actx := &AssertionContext{Store: st, Ctx: ctx}
	result := NewResult()

	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertRowCount, Table: "completion_queue", Where: map[string]interface{}{"tenant_id": 1}, Count: 2},
		{Type: AssertRowCount, Table: "completion_queue", Where: map[string]interface{}{"status": "failed"}, Count: 0},
		{Type: AssertFinalState, Table: "completion_queue", Where: map[string]interface{}{"user_id": 5},
			Expect: map[string]interface{}{"status": "pending", "attempts": 0, "reason": "tenant_locked"}},
		{Type: AssertFinalState, Table: "tenants", Where: map[string]interface{}{"id": 1},
			Expect: map[string]interface{}{"name": "Acme"}},
	}, actx)
	assert.Empty(t, failures)

	failures = EvaluateAssertions(result, []Assertion{
		{Type: AssertRowCount, Table: "completion_queue", Count: 3},
		{Type: AssertFinalState, Table: "completion_queue", Where: map[string]interface{}{"tenant_id": 1},
			Expect: map[string]interface{}{"status": "pending"}},
		{Type: AssertFinalState, Table: "completion_queue", Where: map[string]interface{}{"user_id": 7},
			Expect: map[string]interface{}{"status": "pending"}},
		{Type: AssertFinalState, Table: "completion_queue", Where: map[string]interface{}{"user_id": 5},
			Expect: map[string]interface{}{"colour": "blue"}},
		{Type: AssertFinalState, Table: "bad table", Expect: map[string]interface{}{"a": 1}},
	}, actx)
	require.Len(t, failures, 5)
	assert.Contains(t, failures[0], "2 rows")
	assert.Contains(t, failures[1], "multiple rows matched")
	assert.Contains(t, failures[2], "row not found")
	assert.Contains(t, failures[3], `field "colour" to exist`)
	assert.Contains(t, failures[4], "invalid table name")
}

func TestEvaluateAssertions_NeedsDatabase(t *testing.T) {
	failures := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertRowCount, Table: "sync_locks"},
		{Type: "unknown"},
	}, nil)
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "requires database context")
	assert.Contains(t, failures[1], `unknown assertion type "unknown"`)
}
