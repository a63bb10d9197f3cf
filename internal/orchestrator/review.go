package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/events"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/hosting"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

// DefaultReviewPollInterval is the sleep between review sweeps. Reviews
// arrive on human timescales, so this polls far slower than task claiming.
const DefaultReviewPollInterval = 30 * time.Second

// ReviewWorker watches open change requests for review verdicts. A
// changes-requested verdict sends the task back through the executor with
// the reviewer feedback appended to its prompt; an approval merges when
// the session auto-merges, otherwise parks the task as approved.
type ReviewWorker struct {
	orch         *Orchestrator
	store        *db.ExecDB
	pool         *worktree.Pool
	exec         *executor.Executor
	provider     hosting.Provider
	runner       git.CommandRunner
	remote       string
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *slog.Logger
}

// ReviewWorkerConfig wires a ReviewWorker.
type ReviewWorkerConfig struct {
	Orchestrator *Orchestrator
	Store        *db.ExecDB
	Pool         *worktree.Pool
	Executor     *executor.Executor
	Provider     hosting.Provider
	Runner       git.CommandRunner
	Remote       string
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Logger       *slog.Logger
}

// NewReviewWorker creates a review worker.
func NewReviewWorker(cfg ReviewWorkerConfig) *ReviewWorker {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultReviewPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = git.NewExecRunner()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewWorker{
		orch:         cfg.Orchestrator,
		store:        cfg.Store,
		pool:         cfg.Pool,
		exec:         cfg.Executor,
		provider:     cfg.Provider,
		runner:       cfg.Runner,
		remote:       cfg.Remote,
		pollInterval: cfg.PollInterval,
		taskTimeout:  cfg.TaskTimeout,
		logger:       logger.With("worker", "review"),
	}
}

// Run loops until the session reaches a terminal state or ctx is
// cancelled.
func (r *ReviewWorker) Run(ctx context.Context, sessionID string) error {
	r.logger.Info("review worker started", "session", sessionID)
	defer r.logger.Info("review worker stopped", "session", sessionID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		session, err := r.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if session == nil || db.SessionTerminal(session.Status) {
			return nil
		}

		task, err := r.orch.ClaimNextReviewTask(ctx, sessionID, session.MaxReviewRounds)
		if err != nil {
			r.logger.Warn("review claim failed", "error", err)
			r.sleep(ctx)
			continue
		}
		if task == nil {
			r.sleep(ctx)
			continue
		}

		r.logger.Info("reviewing task", "task", task.TaskNumber, "pr", task.PRNumber)
		if err := r.processTask(ctx, session, task); err != nil {
			r.logger.Error("review round failed", "task", task.TaskNumber, "error", err)
		}
	}
}

// processTask resolves one claimed reviewing task: fetch the verdict,
// record it, and transition the task.
func (r *ReviewWorker) processTask(ctx context.Context, session *db.Session, task *db.Task) error {
	reviews, err := r.provider.GetPRReviews(ctx, task.PRNumber)
	if err != nil {
		// Provider hiccup: put the task back so the next sweep retries.
		r.logger.Warn("fetch reviews failed", "task", task.TaskNumber, "error", err)
		return r.orch.markTaskReview(ctx, task, reviewUpdate{Status: db.TaskPRCreated,
			ReviewRounds: task.ReviewRounds})
	}

	verdict := reviewVerdict(reviews)
	if verdict == "" {
		// No verdict yet. Release the claim and wait for the humans.
		return r.orch.markTaskReview(ctx, task, reviewUpdate{Status: db.TaskPRCreated,
			ReviewRounds: task.ReviewRounds})
	}

	round := task.ReviewRounds + 1
	stored := make([]db.Review, 0, len(reviews))
	for _, rev := range reviews {
		rec := db.Review{
			TaskID:    task.ID,
			Round:     round,
			Reviewer:  rev.Author,
			State:     mapReviewState(rev.State),
			Body:      rev.Body,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.store.AddReview(&rec); err != nil {
			return taskerr.Wrap(taskerr.CodeOrchestratorDB, "record review", err)
		}
		stored = append(stored, rec)
	}

	if verdict == db.ReviewChangesRequested {
		return r.fixTask(ctx, task, round, stored)
	}
	return r.approveTask(ctx, session, task, round)
}

// fixTask re-runs the executor on the task's branch with the reviewer
// feedback folded into the prompt.
func (r *ReviewWorker) fixTask(ctx context.Context, task *db.Task, round int, reviews []db.Review) error {
	task.ReviewRounds = round
	if err := r.orch.markTaskReview(ctx, task, reviewUpdate{Status: db.TaskFixing,
		ReviewRounds: round}); err != nil {
		return err
	}

	wt, err := r.pool.Acquire(ctx, task.ID)
	if err != nil {
		return r.orch.markTaskReview(ctx, task, reviewUpdate{
			Status:       db.TaskFailed,
			ReviewRounds: round,
			Error:        failureReason(err),
			Completed:    true,
		})
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := r.pool.Release(releaseCtx, wt); err != nil {
			r.logger.Warn("sandbox release failed", "sandbox", wt.ID, "error", err)
		}
	}()

	// The change request's head branch belongs to the task, not to
	// whichever sandbox we got this time.
	repo := git.NewRepo(wt.Path, r.runner)
	syncErr := repo.Fetch(ctx, r.remote)
	if syncErr == nil {
		syncErr = repo.CheckoutBranch(ctx, task.Branch, r.remote+"/"+task.Branch)
	}
	if syncErr != nil {
		return r.orch.markTaskReview(ctx, task, reviewUpdate{
			Status:       db.TaskFailed,
			ReviewRounds: round,
			Error:        failureReason(taskerr.Wrap(taskerr.CodeVCSError, "checkout change request branch", syncErr)),
			Completed:    true,
		})
	}

	taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	defer cancel()

	res, execErr := r.exec.Execute(taskCtx, executor.Request{
		Task:    task,
		WorkDir: wt.Path,
		Branch:  task.Branch,
		Prompt:  executor.BuildFixPrompt(task, reviews),
	})

	upd := reviewUpdate{ReviewRounds: round}
	switch {
	case execErr != nil:
		upd.Status = db.TaskFailed
		upd.Error = failureReason(execErr)
		upd.Completed = true
	default:
		upd.Status = db.TaskPRCreated
		upd.CommitSHA = res.CommitSHA
	}
	return r.orch.markTaskReview(context.WithoutCancel(ctx), task, upd)
}

// approveTask merges when the session auto-merges, otherwise parks the
// task as approved for a human to land.
func (r *ReviewWorker) approveTask(ctx context.Context, session *db.Session, task *db.Task, round int) error {
	if !session.AutoMerge {
		return r.orch.markTaskReview(ctx, task, reviewUpdate{
			Status:       db.TaskApproved,
			ReviewRounds: round,
			Completed:    true,
		})
	}

	err := r.provider.MergePR(ctx, task.PRNumber, hosting.PRMergeOptions{
		Method:       "squash",
		CommitTitle:  fmt.Sprintf("Merge: %s", task.Title),
		DeleteBranch: true,
	})
	if err != nil {
		// Leave it approved rather than failed: the change is good, the
		// merge can be retried by hand.
		r.logger.Warn("auto-merge failed", "task", task.TaskNumber, "pr", task.PRNumber, "error", err)
		return r.orch.markTaskReview(ctx, task, reviewUpdate{
			Status:       db.TaskApproved,
			ReviewRounds: round,
			Completed:    true,
		})
	}
	return r.orch.markTaskReview(ctx, task, reviewUpdate{
		Status:       db.TaskMerged,
		ReviewRounds: round,
		Completed:    true,
	})
}

func (r *ReviewWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollInterval):
	}
}

// reviewVerdict reduces a review list to a single verdict using the
// latest substantive review per author: any standing changes-requested
// wins, otherwise any approval, otherwise no verdict.
func reviewVerdict(reviews []hosting.PRReview) string {
	latest := make(map[string]string)
	for _, rev := range reviews {
		switch rev.State {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[rev.Author] = rev.State
		}
	}
	verdict := ""
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			return db.ReviewChangesRequested
		}
		verdict = db.ReviewApproved
	}
	return verdict
}

// mapReviewState converts a provider review state to the stored form.
func mapReviewState(state string) string {
	switch state {
	case "APPROVED":
		return db.ReviewApproved
	case "CHANGES_REQUESTED":
		return db.ReviewChangesRequested
	default:
		return db.ReviewCommented
	}
}

// reviewUpdate is a task transition driven by the review loop. Unlike
// TaskOutcome it leaves the completion counters alone — the task was
// already counted when its change request was published — except when a
// fix round fails, which moves the task from the completed column to the
// failed one.
type reviewUpdate struct {
	Status       string
	ReviewRounds int
	CommitSHA    string
	Error        string
	Completed    bool
}

// markTaskReview persists a review-loop transition and publishes the
// status change.
func (o *Orchestrator) markTaskReview(ctx context.Context, task *db.Task, upd reviewUpdate) error {
	var completedAt any
	if upd.Completed {
		completedAt = time.Now().UTC().Format(time.RFC3339)
	}
	commitSHA := task.CommitSHA
	if upd.CommitSHA != "" {
		commitSHA = upd.CommitSHA
	}

	tx, err := o.store.BeginTx(ctx, nil)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "begin review update tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, o.store.Rebind(`
		UPDATE tasks SET
			status = ?, review_rounds = ?, commit_sha = ?, error = ?, completed_at = ?
		WHERE id = ?
	`), upd.Status, upd.ReviewRounds, commitSHA, upd.Error, completedAt, task.ID)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update task review state", err)
	}

	if upd.Status == db.TaskFailed {
		// The publish already counted this task as completed; move it to
		// the failed column.
		_, err = tx.Exec(ctx, o.store.Rebind(`
			UPDATE sessions SET
				completed_tasks = completed_tasks - 1,
				failed_tasks = failed_tasks + 1
			WHERE id = ?
		`), task.SessionID)
		if err != nil {
			return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update session counters", err)
		}
		_, err = tx.Exec(ctx, o.store.Rebind(`
			UPDATE batches SET
				completed_tasks = completed_tasks - 1,
				failed_tasks = failed_tasks + 1
			WHERE id = ?
		`), task.BatchID)
		if err != nil {
			return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update batch counters", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "commit review update", err)
	}

	task.Status = upd.Status
	task.ReviewRounds = upd.ReviewRounds
	task.CommitSHA = commitSHA
	task.Error = upd.Error

	o.logger.Info("task review state",
		"task", task.TaskNumber, "status", upd.Status, "round", upd.ReviewRounds)
	o.events.Publish(events.Event{
		Type:      events.EventTaskStatus,
		SessionID: task.SessionID,
		BatchID:   task.BatchID,
		TaskID:    task.ID,
		Status:    upd.Status,
		Detail:    upd.Error,
		Time:      time.Now().UTC(),
	})
	return nil
}
