package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"ingest", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "refdata", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range ingestCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "sources", "status", "migrate", "check"} {
		assert.True(t, names[name], "expected ingest subcommand %q not found", name)
	}
}

func TestIngestRunCommand_Flags(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"sources", "all"},
		{"category", ""},
		{"date", ""},
		{"due", "false"},
		{"concurrency", "0"},
		{"json", "false"},
	}
	for _, tt := range tests {
		flag := ingestRunCmd.Flags().Lookup(tt.name)
		require.NotNil(t, flag, "run command should have --%s flag", tt.name)
		assert.Equal(t, tt.def, flag.DefValue)
	}
}

func TestIngestStatusCommand_Flags(t *testing.T) {
	flag := ingestStatusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)

	assert.NotNil(t, ingestStatusCmd.Flags().Lookup("source"))
	assert.NotNil(t, ingestStatusCmd.Flags().Lookup("status"))
	assert.NotNil(t, ingestSourcesCmd.Flags().Lookup("category"))
}
