package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

const (
	// DefaultPollInterval is the sleep between empty claim attempts.
	DefaultPollInterval = 2 * time.Second
	// DefaultTaskTimeout bounds a single task execution.
	DefaultTaskTimeout = 30 * time.Minute
)

// Worker drains the pending-task set of one session: claim, sandbox,
// execute, persist, release.
type Worker struct {
	id           string
	sessionID    string
	orch         *Orchestrator
	store        *db.ExecDB
	pool         *worktree.Pool
	exec         *executor.Executor
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *slog.Logger
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	ID           string
	SessionID    string
	Orchestrator *Orchestrator
	Store        *db.ExecDB
	Pool         *worktree.Pool
	Executor     *executor.Executor
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Logger       *slog.Logger
}

// NewWorker creates a worker for one session.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           cfg.ID,
		sessionID:    cfg.SessionID,
		orch:         cfg.Orchestrator,
		store:        cfg.Store,
		pool:         cfg.Pool,
		exec:         cfg.Executor,
		pollInterval: cfg.PollInterval,
		taskTimeout:  cfg.TaskTimeout,
		logger:       logger.With("worker", cfg.ID),
	}
}

// Run loops until the session reaches a terminal state or ctx is
// cancelled. Stop is cooperative: the context is checked at the top of
// each iteration, and an in-flight task runs to its own timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "session", w.sessionID)
	defer w.logger.Info("worker stopped", "session", w.sessionID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		session, err := w.store.GetSession(w.sessionID)
		if err != nil {
			return err
		}
		if session == nil || db.SessionTerminal(session.Status) {
			return nil
		}

		task, err := w.orch.ClaimNextTask(ctx, w.sessionID)
		if err != nil {
			w.logger.Warn("claim failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if task == nil {
			w.sleep(ctx)
			continue
		}

		w.logger.Info("claimed task", "task", task.TaskNumber)
		if err := w.runTask(ctx, session, task); err != nil {
			w.logger.Error("persist task result failed", "task", task.TaskNumber, "error", err)
		}
	}
}

// runTask drives one claimed task and always persists an outcome.
func (w *Worker) runTask(ctx context.Context, session *db.Session, task *db.Task) error {
	wt, err := w.pool.Acquire(ctx, task.ID)
	if err != nil {
		return w.orch.MarkTaskResult(ctx, task, TaskOutcome{
			Status: db.TaskFailed,
			Error:  failureReason(err),
		})
	}
	defer func() {
		// Reset must run even when ctx is already cancelled.
		releaseCtx := context.WithoutCancel(ctx)
		if err := w.pool.Release(releaseCtx, wt); err != nil {
			w.logger.Warn("sandbox release failed", "sandbox", wt.ID, "error", err)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	res, execErr := w.exec.Execute(taskCtx, executor.Request{
		Task:      task,
		WorkDir:   wt.Path,
		Branch:    wt.Branch,
		AutoMerge: session.AutoMerge,
	})

	outcome := TaskOutcome{Branch: wt.Branch}
	switch {
	case execErr != nil && taskerr.HasCode(execErr, taskerr.CodeAgentTimeout):
		// The agent reports its own timeout; the shared deadline check
		// below must not relabel it.
		outcome.Status = db.TaskFailed
		outcome.Error = failureReason(execErr)
	case execErr != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		outcome.Status = db.TaskFailed
		outcome.Error = fmt.Sprintf("%s: task timed out after %s",
			taskerr.Reason(taskerr.CodeTaskTimeout), w.taskTimeout)
	case execErr != nil:
		outcome.Status = db.TaskFailed
		outcome.Error = failureReason(execErr)
	case res.Merged:
		outcome.Status = db.TaskMerged
		outcome.CommitSHA = res.CommitSHA
		outcome.PRNumber = res.PRNumber
		outcome.PRURL = res.PRURL
	case res.Published():
		outcome.Status = db.TaskPRCreated
		outcome.CommitSHA = res.CommitSHA
		outcome.PRNumber = res.PRNumber
		outcome.PRURL = res.PRURL
	default:
		outcome.Status = db.TaskComplete
		outcome.CommitSHA = res.CommitSHA
	}

	return w.orch.MarkTaskResult(context.WithoutCancel(ctx), task, outcome)
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// failureReason renders an error as the machine-readable reason recorded
// on failed tasks.
func failureReason(err error) string {
	if code := taskerr.CodeOf(err); code != "" {
		return fmt.Sprintf("%s: %s", taskerr.Reason(code), err.Error())
	}
	return err.Error()
}
