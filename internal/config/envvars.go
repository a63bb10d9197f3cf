package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvVarMapping defines the mapping between environment variables and config paths.
var EnvVarMapping = map[string]string{
	"PIPELINER_DB_DRIVER":        "database.driver",
	"PIPELINER_DB_PATH":          "database.path",
	"PIPELINER_DB_HOST":          "database.postgres.host",
	"PIPELINER_DB_PORT":          "database.postgres.port",
	"PIPELINER_DB_NAME":          "database.postgres.database",
	"PIPELINER_DB_USER":          "database.postgres.user",
	"PIPELINER_DB_PASSWORD":      "database.postgres.password",
	"PIPELINER_DB_SSL_MODE":      "database.postgres.ssl_mode",
	"PIPELINER_POOL_SIZE":        "pool.size",
	"PIPELINER_POOL_BASE_DIR":    "pool.base_dir",
	"PIPELINER_POOL_ACQUIRE":     "pool.acquire_timeout",
	"PIPELINER_AGENT_PATH":       "executor.agent_path",
	"PIPELINER_TASK_TIMEOUT":     "executor.task_timeout",
	"PIPELINER_SKIP_EXTERNAL":    "executor.skip_external_side_effects",
	"PIPELINER_AUTO_MERGE":       "executor.auto_merge",
	"PIPELINER_WORKERS":          "workers.count",
	"PIPELINER_POLL_INTERVAL":    "workers.poll_interval",
	"PIPELINER_REVIEW_ENABLED":   "review.enabled",
	"PIPELINER_REVIEW_ROUNDS":    "review.max_rounds",
	"PIPELINER_GIT_REMOTE":       "git.remote",
	"PIPELINER_GIT_MAIN_BRANCH":  "git.main_branch",
	"PIPELINER_HOSTING_PROVIDER": "hosting.provider",
	"PIPELINER_HOSTING_BASE_URL": "hosting.base_url",
	"PIPELINER_HOST":             "server.host",
	"PIPELINER_PORT":             "server.port",
}

// ApplyEnvVars applies environment variable overrides to the config.
// Returns the config paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string
	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}
	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path string, value string) bool {
	switch path {
	case "database.driver":
		cfg.Database.Driver = value
	case "database.path":
		cfg.Database.Path = value
	case "database.postgres.host":
		cfg.Database.Postgres.Host = value
	case "database.postgres.port":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Database.Postgres.Port = v
		}
	case "database.postgres.database":
		cfg.Database.Postgres.Database = value
	case "database.postgres.user":
		cfg.Database.Postgres.User = value
	case "database.postgres.password":
		cfg.Database.Postgres.Password = value
	case "database.postgres.ssl_mode":
		cfg.Database.Postgres.SSLMode = value
	case "pool.size":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Pool.Size = v
		}
	case "pool.base_dir":
		cfg.Pool.BaseDir = value
	case "pool.acquire_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Pool.AcquireTimeout = d
		}
	case "executor.agent_path":
		cfg.Executor.AgentPath = value
	case "executor.task_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Executor.TaskTimeout = d
		}
	case "executor.skip_external_side_effects":
		cfg.Executor.SkipExternalSideEffects = parseBool(value)
	case "executor.auto_merge":
		cfg.Executor.AutoMerge = parseBool(value)
	case "workers.count":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Workers.Count = v
		}
	case "workers.poll_interval":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Workers.PollInterval = d
		}
	case "review.enabled":
		cfg.Review.Enabled = parseBool(value)
	case "review.max_rounds":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Review.MaxRounds = v
		}
	case "git.remote":
		cfg.Git.Remote = value
	case "git.main_branch":
		cfg.Git.MainBranch = value
	case "hosting.provider":
		cfg.Hosting.Provider = value
	case "hosting.base_url":
		cfg.Hosting.BaseURL = value
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = v
		}
	default:
		return false
	}
	return true
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
