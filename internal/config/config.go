// Package config provides configuration management for pipeliner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proactiva-us/pipeliner/internal/hosting"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// PipelinerDir is the pipeliner configuration directory
	PipelinerDir = ".pipeliner"
)

// DatabaseConfig selects and parameterizes the execution store.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres"
	Driver string `yaml:"driver"`

	// Path is the sqlite database file, relative to the project root
	Path string `yaml:"path"`

	// Postgres connection settings, used when Driver is "postgres"
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig holds postgres connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN returns the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode)
}

// PoolConfig parameterizes the worktree sandbox pool.
type PoolConfig struct {
	// Size is the number of worktree sandboxes to create
	Size int `yaml:"size"`

	// BaseDir is where sandboxes live; defaults to <repo>/.pipeliner/worktrees
	BaseDir string `yaml:"base_dir,omitempty"`

	// AcquireTimeout bounds how long a worker waits for a free sandbox
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// StuckBusyAfter is how long a busy sandbox may run before the health
	// check flags it
	StuckBusyAfter time.Duration `yaml:"stuck_busy_after"`
}

// ExecutorConfig parameterizes task execution and the agent subprocess.
type ExecutorConfig struct {
	// AgentPath is the agent CLI binary (default: claude)
	AgentPath string `yaml:"agent_path"`

	// TaskTimeout bounds one agent invocation
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// SkipExternalSideEffects suppresses push, PR creation and merge;
	// work is committed locally only
	SkipExternalSideEffects bool `yaml:"skip_external_side_effects"`

	// AutoMerge squash-merges approved PRs and deletes the remote branch
	AutoMerge bool `yaml:"auto_merge"`
}

// WorkerConfig parameterizes the worker pool.
type WorkerConfig struct {
	// Count is the number of concurrent task workers
	Count int `yaml:"count"`

	// PollInterval is the sleep between claim attempts when no task is ready
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ReviewConfig parameterizes the PR review loop.
type ReviewConfig struct {
	// Enabled turns the review worker on
	Enabled bool `yaml:"enabled"`

	// MaxRounds bounds review/fix cycles per task
	MaxRounds int `yaml:"max_rounds"`
}

// GitConfig holds repository settings.
type GitConfig struct {
	// RepoPath is the primary repository; defaults to the working directory
	RepoPath string `yaml:"repo_path,omitempty"`

	// Remote is the remote name pushed to and reset against
	Remote string `yaml:"remote"`

	// MainBranch is the integration branch sandboxes fork from
	MainBranch string `yaml:"main_branch"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config represents the pipeliner configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Executor ExecutorConfig `yaml:"executor"`
	Workers  WorkerConfig   `yaml:"workers"`
	Review   ReviewConfig   `yaml:"review"`
	Git      GitConfig      `yaml:"git"`
	Hosting  hosting.Config `yaml:"hosting"`
	Server   ServerConfig   `yaml:"server"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(PipelinerDir, "pipeliner.db"),
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Pool: PoolConfig{
			Size:           3,
			AcquireTimeout: 5 * time.Minute,
			StuckBusyAfter: 30 * time.Minute,
		},
		Executor: ExecutorConfig{
			AgentPath:   "claude",
			TaskTimeout: 30 * time.Minute,
		},
		Workers: WorkerConfig{
			Count:        3,
			PollInterval: 2 * time.Second,
		},
		Review: ReviewConfig{
			Enabled:   false,
			MaxRounds: 3,
		},
		Git: GitConfig{
			Remote:     "origin",
			MainBranch: "main",
		},
		Hosting: hosting.Config{
			Provider: "auto",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load loads the config from the default location, applying env overrides.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(PipelinerDir, ConfigFileName))
}

// LoadFrom loads the config from a specific path. A missing file yields the
// defaults; env overrides apply either way.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(PipelinerDir, ConfigFileName))
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Executor.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.Executor.TaskTimeout)
	}
	if c.Review.MaxRounds < 0 {
		return fmt.Errorf("review max_rounds must not be negative, got %d", c.Review.MaxRounds)
	}
	return nil
}
