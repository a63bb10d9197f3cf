package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/proactiva-us/pipeliner/internal/agent"
	"github.com/proactiva-us/pipeliner/internal/config"
	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/events"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/hosting"
	"github.com/proactiva-us/pipeliner/internal/orchestrator"
	"github.com/proactiva-us/pipeliner/internal/worktree"

	// Provider constructors register themselves at init time.
	_ "github.com/proactiva-us/pipeliner/internal/hosting/github"
	_ "github.com/proactiva-us/pipeliner/internal/hosting/gitlab"
)

// engine bundles the wired execution stack behind the run and serve
// commands.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *db.ExecDB
	events   *events.MemoryPublisher
	repo     *git.Repo
	pool     *worktree.Pool
	provider hosting.Provider
	exec     *executor.Executor
	orch     *orchestrator.Orchestrator
}

// openStore opens the execution store named by the config.
func openStore(cfg *config.Config) (*db.ExecDB, error) {
	if cfg.Database.Driver == "postgres" {
		return db.OpenPostgres(cfg.Database.Postgres.DSN())
	}
	return db.Open(cfg.Database.Path)
}

// buildEngine wires config into a ready-to-run stack. The worktree pool is
// constructed but not initialized; callers that execute tasks call
// pool.Initialize themselves.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open execution store: %w", err)
	}

	repoPath := cfg.Git.RepoPath
	if repoPath == "" {
		repoPath = "."
	}
	gitRunner := git.NewExecRunner()
	repo := git.NewRepo(repoPath, gitRunner)
	if !repo.IsRepo(ctx) {
		_ = store.Close()
		return nil, fmt.Errorf("%s is not a git repository", repoPath)
	}

	baseDir := cfg.Pool.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(repoPath, config.PipelinerDir, "worktrees")
	}
	pool := worktree.NewPool(repo, worktree.Options{
		Size:           cfg.Pool.Size,
		BaseDir:        baseDir,
		MainBranch:     cfg.Git.MainBranch,
		Remote:         cfg.Git.Remote,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		StuckBusyAfter: cfg.Pool.StuckBusyAfter,
		Logger:         logger,
	})

	var provider hosting.Provider
	if !cfg.Executor.SkipExternalSideEffects {
		remoteURL, err := repo.RemoteURL(ctx, cfg.Git.Remote)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("resolve remote %s: %w", cfg.Git.Remote, err)
		}
		provider, err = hosting.NewProvider(remoteURL, cfg.Hosting)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	agentRunner := agent.NewCLIRunner(cfg.Executor.AgentPath,
		agent.WithTimeout(cfg.Executor.TaskTimeout),
		agent.WithLogger(logger))

	exec := executor.New(agentRunner, gitRunner, provider, executor.Options{
		Remote:                  cfg.Git.Remote,
		MainBranch:              cfg.Git.MainBranch,
		SkipExternalSideEffects: cfg.Executor.SkipExternalSideEffects,
		Logger:                  logger,
	})

	pub := events.NewMemoryPublisher()
	return &engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		events:   pub,
		repo:     repo,
		pool:     pool,
		provider: provider,
		exec:     exec,
		orch:     orchestrator.New(store, pub, logger),
	}, nil
}

// newRunner builds the session runner, attaching the review worker when
// reviews are enabled and a provider exists.
func (e *engine) newRunner() *orchestrator.Runner {
	var reviewer *orchestrator.ReviewWorker
	if e.cfg.Review.Enabled && e.provider != nil {
		reviewer = orchestrator.NewReviewWorker(orchestrator.ReviewWorkerConfig{
			Orchestrator: e.orch,
			Store:        e.store,
			Pool:         e.pool,
			Executor:     e.exec,
			Provider:     e.provider,
			Remote:       e.cfg.Git.Remote,
			TaskTimeout:  e.cfg.Executor.TaskTimeout,
			Logger:       e.logger,
		})
	}
	return orchestrator.NewRunner(orchestrator.RunnerConfig{
		Orchestrator: e.orch,
		Store:        e.store,
		Pool:         e.pool,
		Executor:     e.exec,
		Workers:      e.cfg.Workers.Count,
		Reviewer:     reviewer,
		PollInterval: e.cfg.Workers.PollInterval,
		TaskTimeout:  e.cfg.Executor.TaskTimeout,
		Logger:       e.logger,
	})
}

// close releases everything buildEngine opened.
func (e *engine) close() {
	e.events.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close store", "error", err)
	}
}
