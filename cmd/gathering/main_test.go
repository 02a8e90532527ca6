package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
}

func TestRootCmd_Version(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, version+"\n", out.String())
}

func TestMigrate_MemoryStoreIsNoop(t *testing.T) {
	t.Setenv("GATHERING_STORE", "memory")
	assert.Equal(t, 0, execute(context.Background(), []string{"migrate"}))
}

func TestExecute_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("GATHERING_STORE", "memory")
	assert.Equal(t, 1, execute(context.Background(), []string{"migrate", "--env-file", "testdata/none.env"}))
}

func TestExecute_BadConfig(t *testing.T) {
	t.Setenv("GATHERING_STORE", "cassandra")
	assert.Equal(t, 1, execute(context.Background(), []string{"migrate"}))
}
