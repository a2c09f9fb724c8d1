package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one sweep
flow:
  - invoke: sweep
    args: {}
assertions:
  - type: trace_count
    action: push
    count: 0
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, "sweep", s.Flow[0].Invoke)
	assert.Nil(t, s.Flow[0].Expect)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertTraceCount, s.Assertions[0].Type)
}

func TestParseScenario_ExpectClause(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: expect
description: expect clause
flow:
  - invoke: complete
    args: { user_id: 5, course_id: 10 }
    expect:
      case: synced
      result: { records: 1 }
assertions:
  - type: row_count
    table: sync_attempts
    where: { status: success }
    count: 1
`))
	require.NoError(t, err)

	require.NotNil(t, s.Flow[0].Expect)
	assert.Equal(t, "synced", s.Flow[0].Expect.Case)
	assert.Equal(t, 1, s.Flow[0].Expect.Result["records"])
	assert.Equal(t, 5, s.Flow[0].Args["user_id"])
	assert.Equal(t, "success", s.Assertions[0].Where["status"])
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: trace_count, action: push}]",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: trace_count, action: push}]",
			want: "description is required",
		},
		{
			name: "empty flow",
			yaml: "name: n\ndescription: d\nassertions: [{type: trace_count, action: push}]",
			want: "flow list is required",
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}}]",
			want: "assertions list is required",
		},
		{
			name: "unknown setup action",
			yaml: "name: n\ndescription: d\nsetup: [{action: widget, args: {}}]\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: trace_count, action: push}]",
			want: `setup[0]: unknown action "widget"`,
		},
		{
			name: "unknown flow action",
			yaml: "name: n\ndescription: d\nflow: [{invoke: explode, args: {}}]\nassertions: [{type: trace_count, action: push}]",
			want: `flow[0]: unknown action "explode"`,
		},
		{
			name: "missing args",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep}]\nassertions: [{type: trace_count, action: push}]",
			want: "flow[0]: args is required",
		},
		{
			name: "expect without case",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}, expect: {result: {a: 1}}}]\nassertions: [{type: trace_count, action: push}]",
			want: "flow[0].expect: case is required",
		},
		{
			name: "unknown assertion type",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: vibes}]",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "final_state without expect",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: final_state, table: sync_locks}]",
			want: "expect is required for final_state",
		},
		{
			name: "row_count without table",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}}]\nassertions: [{type: row_count, count: 1}]",
			want: "table is required for row_count",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nflow: [{invoke: sweep, args: {}}]\nassertion: []",
			want: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"int":      5,
		"float":    7.0,
		"frac":     1.5,
		"str":      "x",
		"ints":     []interface{}{1, 2},
		"strs":     []interface{}{"a", 3},
		"unix":     1704067200,
		"rfc":      "2024-01-02T00:00:00Z",
		"dur":      "90s",
		"dursecs":  30,
		"flag":     true,
		"notalist": "1,2",
	}

	n, err := argInt(args, "int")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = argInt(args, "float")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = argInt(args, "frac")
	assert.Error(t, err)
	_, err = argInt(args, "absent")
	assert.ErrorContains(t, err, "absent is required")

	n, err = argIntOr(args, "absent", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	assert.Equal(t, "x", argString(args, "str", "d"))
	assert.Equal(t, "d", argString(args, "absent", "d"))
	assert.True(t, argBool(args, "flag"))
	assert.False(t, argBool(args, "absent"))

	ids, err := argInts(args, "ints")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	_, err = argInts(args, "notalist")
	assert.Error(t, err)

	strs, err := argStrings(args, "strs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "3"}, strs)

	ts, err := argTime(args, "unix")
	require.NoError(t, err)
	assert.True(t, Epoch.Equal(*ts))
	ts, err = argTime(args, "rfc")
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Day())
	ts, err = argTime(args, "absent")
	require.NoError(t, err)
	assert.Nil(t, ts)

	d, err := argDuration(args, "dur")
	require.NoError(t, err)
	assert.Equal(t, "1m30s", d.String())
	d, err = argDuration(args, "dursecs")
	require.NoError(t, err)
	assert.Equal(t, "30s", d.String())
}
