package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"serve", "ingest", "backfill", "review", "provenance", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "reconcile-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestIngestCommand_Flags(t *testing.T) {
	require.NotNil(t, ingestCmd.Flags().Lookup("source"))

	fileFlag := ingestCmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "-", fileFlag.DefValue)
}

func TestBackfillCommand_Flags(t *testing.T) {
	flag := backfillCmd.Flags().Lookup("chunk-size")
	require.NotNil(t, flag, "backfill command should have --chunk-size flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestReviewCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reviewCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["resolve"])
}

func TestProvenanceCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range provenanceCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["history"])
	assert.True(t, names["source"])
}

func TestSplitPayloads(t *testing.T) {
	batch, err := splitPayloads([]byte(`[{"a":1},{"b":2}]`))
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	single, err := splitPayloads([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = splitPayloads([]byte(`not json`))
	assert.Error(t, err)
}
