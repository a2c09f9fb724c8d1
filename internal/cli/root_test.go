package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "compsync", cmd.Use)
	assert.Contains(t, cmd.Long, "full remote dataset")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"complete"},
		{"process-queue"},
		{"regenerate"},
		{"push"},
		{"status"},
		{"lock", "show"},
		{"lock", "release"},
		{"cleanup"},
		{"sweep"},
		{"serve"},
		{"rules", "import"},
		{"rules", "validate"},
		{"rules", "show"},
		{"rules", "delete"},
		{"credentials", "set"},
		{"credentials", "delete"},
		{"attempts"},
		{"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	tests := []struct {
		path []string
		flag string
		def  string
	}{
		{[]string{"complete"}, "user", "0"},
		{[]string{"complete"}, "completed-at", ""},
		{[]string{"process-queue"}, "limit", "0"},
		{[]string{"regenerate"}, "now", "false"},
		{[]string{"push"}, "from-snapshot", "false"},
		{[]string{"lock", "release"}, "force", "false"},
		{[]string{"cleanup"}, "days", "0"},
		{[]string{"serve"}, "schedule", ""},
		{[]string{"attempts"}, "limit", "50"},
		{[]string{"test"}, "update", "false"},
		{[]string{"credentials", "set"}, "grant-type", "client_credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			sub, _, err := cmd.Find(tt.path)
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f, "flag --%s on %v", tt.flag, tt.path)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestParseTenantID(t *testing.T) {
	id, err := parseTenantID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"0", "-1", "12abc", ""} {
		_, err := parseTenantID(bad)
		require.Error(t, err, bad)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}
