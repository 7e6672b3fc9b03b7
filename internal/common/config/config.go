// Package config provides configuration management for medusa.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/benodiwal/medusa/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig         `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig       `mapstructure:"database" yaml:"database"`
	NATS     NATSConfig           `mapstructure:"nats" yaml:"nats"`
	Logging  logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig        `mapstructure:"tracing" yaml:"tracing"`
	Worktree WorktreeConfig       `mapstructure:"worktree" yaml:"worktree"`
	Agent    AgentConfig          `mapstructure:"agent" yaml:"agent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	ReadTimeout int    `mapstructure:"readTimeout" yaml:"readTimeout"` // in seconds
}

// DatabaseConfig selects the task store backend.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path" yaml:"path"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int    `mapstructure:"maxConns" yaml:"maxConns"`
	MinConns int    `mapstructure:"minConns" yaml:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"serviceName" yaml:"serviceName"`
}

// WorktreeConfig holds settings for per-task isolated workspaces.
type WorktreeConfig struct {
	ScratchDir    string `mapstructure:"scratchDir" yaml:"scratchDir"`       // relative to the repository root
	BranchPrefix  string `mapstructure:"branchPrefix" yaml:"branchPrefix"`   // e.g. medusa/task-
	DefaultBranch string `mapstructure:"defaultBranch" yaml:"defaultBranch"` // diff base when no base commit is recorded
}

// AgentConfig holds agent process settings.
type AgentConfig struct {
	Command        string   `mapstructure:"command" yaml:"command"`
	Args           []string `mapstructure:"args" yaml:"args"`
	ResumeFlag     string   `mapstructure:"resumeFlag" yaml:"resumeFlag"`
	OneShotArgs    []string `mapstructure:"oneShotArgs" yaml:"oneShotArgs"`
	OneShotTimeout int      `mapstructure:"oneShotTimeout" yaml:"oneShotTimeout"` // in seconds
	DataDir        string   `mapstructure:"dataDir" yaml:"dataDir"`
	MaxOutputLines int      `mapstructure:"maxOutputLines" yaml:"maxOutputLines"`
	TrimLines      int      `mapstructure:"trimLines" yaml:"trimLines"`
	Env            []string `mapstructure:"env" yaml:"env"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OneShotTimeoutDuration returns the one-shot agent timeout as a time.Duration.
func (a *AgentConfig) OneShotTimeoutDuration() time.Duration {
	return time.Duration(a.OneShotTimeout) * time.Second
}

// DefaultDataDir returns ~/.medusa, or .medusa when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".medusa"
	}
	return filepath.Join(home, ".medusa")
}

func setDefaults(v *viper.Viper) {
	dataDir := DefaultDataDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dataDir, "medusa.db"))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "medusa")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "medusa")

	v.SetDefault("worktree.scratchDir", ".medusa/worktrees")
	v.SetDefault("worktree.branchPrefix", "medusa/task-")
	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--dangerously-skip-permissions",
	})
	v.SetDefault("agent.resumeFlag", "--resume")
	v.SetDefault("agent.oneShotArgs", []string{"--dangerously-skip-permissions", "-p"})
	v.SetDefault("agent.oneShotTimeout", 120)
	v.SetDefault("agent.dataDir", dataDir)
	v.SetDefault("agent.maxOutputLines", 10000)
	v.SetDefault("agent.trimLines", 2000)
	v.SetDefault("agent.env", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MEDUSA_ with dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEDUSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys.
	_ = v.BindEnv("database.dsn", "MEDUSA_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("nats.url", "MEDUSA_NATS_URL", "NATS_URL")
	_ = v.BindEnv("tracing.endpoint", "MEDUSA_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("agent.dataDir", "MEDUSA_AGENT_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(DefaultDataDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Worktree.ScratchDir == "" || filepath.IsAbs(cfg.Worktree.ScratchDir) {
		errs = append(errs, "worktree.scratchDir must be a relative path")
	}
	if cfg.Worktree.BranchPrefix == "" {
		errs = append(errs, "worktree.branchPrefix is required")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.MaxOutputLines <= 0 {
		errs = append(errs, "agent.maxOutputLines must be positive")
	}
	if cfg.Agent.TrimLines <= 0 || cfg.Agent.TrimLines > cfg.Agent.MaxOutputLines {
		errs = append(errs, "agent.trimLines must be between 1 and agent.maxOutputLines")
	}
	if cfg.Agent.OneShotTimeout <= 0 {
		errs = append(errs, "agent.oneShotTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
