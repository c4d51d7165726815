//go:build !integration

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

	expected := []string{"process", "drain", "queue", "templates", "import", "migrate", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "efl-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestQueueCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range queueCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "resolve", "quarantine", "sweep"} {
		assert.True(t, names[name], "expected queue subcommand %q not found", name)
	}
}

func TestTemplatesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range templatesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["invalidate"])
}

func TestProcessCommand_Flags(t *testing.T) {
	for _, name := range []string{"offer", "source-url", "force", "points"} {
		assert.NotNil(t, processCmd.Flags().Lookup(name), "process command should have --%s flag", name)
	}
}

func TestDrainCommand_Flags(t *testing.T) {
	for _, name := range []string{"cursor", "limit", "budget", "no-sweep", "all"} {
		assert.NotNil(t, drainCmd.Flags().Lookup(name), "drain command should have --%s flag", name)
	}
	flag := drainCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestQueueListCommand_Flags(t *testing.T) {
	flag := queueListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "queue list should have --limit flag")
	assert.Equal(t, "100", flag.DefValue)
	assert.NotNil(t, queueListCmd.Flags().Lookup("kind"))
	assert.NotNil(t, queueListCmd.Flags().Lookup("after"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}
