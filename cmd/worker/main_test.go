package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/imgbatch/internal/logger"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "imgbatch.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "database:\n  driver: sqlite\n  path: " + dbPath + "\n  auto_migrate: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dbPath
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: &bytes.Buffer{}})
}

func TestMigrateThenStats(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	cmd := newRootCmd(testLogger())
	cmd.SetArgs([]string{"migrate", "--config", cfgPath})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, dbPath)

	var out bytes.Buffer
	cmd = newRootCmd(testLogger())
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--config", cfgPath})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "queued=0 in_flight=0 succeeded=0 dead=0", strings.TrimSpace(out.String()))
}

func TestRejectsInvalidOverride(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	cmd := newRootCmd(testLogger())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--failure-policy", "ignore"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_policy")
}
