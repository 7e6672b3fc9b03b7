package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	t.Setenv("MEDUSA_AGENT_DATA_DIR", t.TempDir())
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Contains(t, cfg.Agent.Args, "--dangerously-skip-permissions")
	assert.Equal(t, 10000, cfg.Agent.MaxOutputLines)
	assert.Equal(t, 2000, cfg.Agent.TrimLines)
	assert.Equal(t, "medusa/task-", cfg.Worktree.BranchPrefix)
	assert.Equal(t, ".medusa/worktrees", cfg.Worktree.ScratchDir)
}

func TestLoadWithPath_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9001
agent:
  command: /usr/local/bin/agent
  maxOutputLines: 50
  trimLines: 10
worktree:
  defaultBranch: trunk
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("MEDUSA_SERVER_HOST", "0.0.0.0")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Command)
	assert.Equal(t, 50, cfg.Agent.MaxOutputLines)
	assert.Equal(t, "trunk", cfg.Worktree.DefaultBranch)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 7777},
			Database: DatabaseConfig{Driver: "sqlite", Path: "x.db"},
			Worktree: WorktreeConfig{ScratchDir: ".medusa/worktrees", BranchPrefix: "medusa/task-"},
			Agent:    AgentConfig{Command: "claude", MaxOutputLines: 100, TrimLines: 20, OneShotTimeout: 5},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"absolute scratch", func(c *Config) { c.Worktree.ScratchDir = "/tmp/wt" }, "worktree.scratchDir"},
		{"trim above cap", func(c *Config) { c.Agent.TrimLines = 500 }, "agent.trimLines"},
		{"no command", func(c *Config) { c.Agent.Command = "" }, "agent.command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			cfg.Logging.Level = "info"
			cfg.Logging.Format = "json"
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
