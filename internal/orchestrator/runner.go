package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

// schedulerInterval is the pause between scheduler sweeps.
const schedulerInterval = time.Second

// Runner drives one session to completion: it promotes batches as their
// dependencies complete, detects batch and session completion, and runs
// the configured number of workers.
type Runner struct {
	orch         *Orchestrator
	store        *db.ExecDB
	pool         *worktree.Pool
	exec         *executor.Executor
	workers      int
	reviewer     *ReviewWorker
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *slog.Logger
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Orchestrator *Orchestrator
	Store        *db.ExecDB
	Pool         *worktree.Pool
	Executor     *executor.Executor
	Workers      int
	Reviewer     *ReviewWorker
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Logger       *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orch:         cfg.Orchestrator,
		store:        cfg.Store,
		pool:         cfg.Pool,
		exec:         cfg.Executor,
		workers:      cfg.Workers,
		reviewer:     cfg.Reviewer,
		pollInterval: cfg.PollInterval,
		taskTimeout:  cfg.TaskTimeout,
		logger:       logger,
	}
}

// Run executes the session until it reaches a terminal state. The
// scheduler and workers run as one group: when the scheduler marks the
// session terminal, the workers observe it and drain out.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	if err := r.orch.MarkSessionStatus(sessionID, db.SessionExecuting, ""); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.schedule(gctx, sessionID)
	})
	for i := 1; i <= r.workers; i++ {
		worker := NewWorker(WorkerConfig{
			ID:           fmt.Sprintf("worker-%d", i),
			SessionID:    sessionID,
			Orchestrator: r.orch,
			Store:        r.store,
			Pool:         r.pool,
			Executor:     r.exec,
			PollInterval: r.pollInterval,
			TaskTimeout:  r.taskTimeout,
			Logger:       r.logger,
		})
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	if r.reviewer != nil {
		g.Go(func() error {
			return r.reviewer.Run(gctx, sessionID)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		_ = r.orch.MarkSessionStatus(sessionID, db.SessionFailed, err.Error())
	}
	return err
}

// schedule sweeps the session's batches: ready batches become executing,
// fully-terminal executing batches become complete or failed, and when no
// batch can make progress the session itself is finished.
func (r *Runner) schedule(ctx context.Context, sessionID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(schedulerInterval):
		}

		session, err := r.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if session == nil || db.SessionTerminal(session.Status) {
			return nil
		}

		ready, err := r.orch.ReadyBatches(sessionID)
		if err != nil {
			return err
		}
		for _, b := range ready {
			if err := r.orch.MarkBatchExecuting(b); err != nil {
				return err
			}
		}

		batches, err := r.store.ListBatches(sessionID)
		if err != nil {
			return err
		}

		pending, executing, failed := 0, 0, 0
		for _, b := range batches {
			switch b.Status {
			case db.BatchExecuting:
				done, err := r.settleBatch(b)
				if err != nil {
					return err
				}
				if !done {
					executing++
				}
			case db.BatchPending, db.BatchReady:
				pending++
			case db.BatchFailed:
				failed++
			}
		}
		if executing > 0 {
			continue
		}
		if len(ready) > 0 {
			// Fresh batches just started executing.
			continue
		}
		if pending > 0 {
			// Remaining batches can never run: their dependencies failed.
			return r.orch.MarkSessionStatus(sessionID, db.SessionFailed,
				"remaining batches blocked by failed dependencies")
		}
		if failed > 0 {
			return r.orch.MarkSessionStatus(sessionID, db.SessionFailed,
				fmt.Sprintf("%d batch(es) failed", failed))
		}
		if r.reviewer != nil {
			open, err := r.openReviews(ctx, sessionID)
			if err != nil {
				return err
			}
			if open {
				continue
			}
		}
		return r.orch.MarkSessionStatus(sessionID, db.SessionComplete, "")
	}
}

// openReviews reports whether any task has a review round in flight. A
// published change request with no verdict yet does not hold the session
// open: waiting on humans indefinitely would never let it finish.
func (r *Runner) openReviews(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := r.store.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE session_id = ? AND status IN (?, ?)
	`, sessionID, db.TaskReviewing, db.TaskFixing).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count open reviews: %w", err)
	}
	return n > 0, nil
}

// settleBatch finishes an executing batch once every task is terminal.
// Reports whether the batch is now settled.
func (r *Runner) settleBatch(b *db.Batch) (bool, error) {
	tasks, err := r.store.ListTasksByBatch(b.ID)
	if err != nil {
		return false, err
	}

	anyFailed := false
	for _, t := range tasks {
		switch t.Status {
		case db.TaskFailed:
			anyFailed = true
		case db.TaskPending, db.TaskInProgress, db.TaskReviewing, db.TaskFixing:
			return false, nil
		}
	}

	if anyFailed {
		return true, r.orch.MarkBatchFailed(b)
	}
	return true, r.orch.MarkBatchComplete(b)
}
