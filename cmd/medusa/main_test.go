package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/benodiwal/medusa/internal/common/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("MEDUSA_DATABASE_PATH", filepath.Join(dir, "medusa.db"))
	t.Setenv("MEDUSA_AGENT_DATA_DIR", filepath.Join(dir, "data"))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "medusa dev")
}

func TestConfigPrint(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, "config", "print", "--config", dir)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, filepath.Join(dir, "medusa.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Agent.DataDir)
	assert.Equal(t, "medusa/task-", cfg.Worktree.BranchPrefix)
}

func TestTaskListEmptyStore(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, "task", "list", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks found.")
}

func TestTaskShowUnknown(t *testing.T) {
	dir := isolate(t)

	_, err := run(t, "task", "show", "missing", "--config", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSessionConfigMapping(t *testing.T) {
	sc := sessionConfig(config.AgentConfig{
		Command:        "agent",
		Args:           []string{"--json"},
		ResumeFlag:     "--continue",
		OneShotArgs:    []string{"-p"},
		OneShotTimeout: 7,
		MaxOutputLines: 50,
		TrimLines:      10,
		Env:            []string{"A=1"},
	})
	assert.Equal(t, "agent", sc.Command)
	assert.Equal(t, []string{"--json"}, sc.Args)
	assert.Equal(t, "--continue", sc.ResumeFlag)
	assert.Equal(t, 7.0, sc.OneShotTimeout.Seconds())
	assert.Equal(t, 50, sc.MaxOutputLines)
	assert.Equal(t, 10, sc.TrimLines)
	assert.Equal(t, []string{"A=1"}, sc.Env)
	assert.NotZero(t, sc.StopTimeout)
}
