// Package orchestrator converts parsed plans into persistent execution
// state and schedules batches and tasks across workers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/events"
	"github.com/proactiva-us/pipeliner/internal/plan"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// Orchestrator owns session, batch, and task lifecycle in the store.
type Orchestrator struct {
	store  *db.ExecDB
	events events.Publisher
	logger *slog.Logger
}

// New creates an Orchestrator. A nil publisher disables event delivery.
func New(store *db.ExecDB, pub events.Publisher, logger *slog.Logger) *Orchestrator {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, events: pub, logger: logger}
}

// StartOptions configures a new execution session.
type StartOptions struct {
	PlanPath        string
	BatchStart      int
	BatchEnd        int
	ExecutionMode   string
	AutoMerge       bool
	MaxReviewRounds int
}

// StartExecution parses the plan, filters batches to the inclusive range,
// and creates the session with its batch and task records. Batches with no
// dependencies start ready; the rest start pending. A failure during record
// creation removes the partial session.
func (o *Orchestrator) StartExecution(ctx context.Context, opts StartOptions) (*db.Session, error) {
	parser, err := plan.NewParser(opts.PlanPath, o.logger)
	if err != nil {
		return nil, err
	}
	batches, err := parser.Parse()
	if err != nil {
		return nil, err
	}

	lo := opts.BatchStart
	if lo <= 0 {
		lo = 1
	}
	hi := opts.BatchEnd
	if hi <= 0 {
		for _, b := range batches {
			if b.Number > hi {
				hi = b.Number
			}
		}
	}

	var scheduled []plan.Batch
	for _, b := range batches {
		if b.Number >= lo && b.Number <= hi {
			scheduled = append(scheduled, b)
		}
	}
	if len(scheduled) == 0 {
		return nil, taskerr.Newf(taskerr.CodeOrchestratorEmptyRange,
			"no batches in range %d-%d", lo, hi)
	}

	mode := opts.ExecutionMode
	if mode == "" {
		mode = "local"
	}

	totalTasks := 0
	for _, b := range scheduled {
		totalTasks += len(b.Tasks)
	}

	now := time.Now().UTC()
	session := &db.Session{
		ID:              NewSessionID(),
		PlanPath:        opts.PlanPath,
		Status:          db.SessionStarted,
		ExecutionMode:   mode,
		BatchStart:      &lo,
		BatchEnd:        &hi,
		TotalBatches:    len(scheduled),
		TotalTasks:      totalTasks,
		AutoMerge:       opts.AutoMerge,
		MaxReviewRounds: opts.MaxReviewRounds,
		CreatedAt:       now,
	}

	if err := o.createRecords(session, scheduled, now); err != nil {
		// Sessions cascade to batches and tasks, so one delete removes
		// whatever part of the graph made it in.
		_, _ = o.store.Exec("DELETE FROM sessions WHERE id = ?", session.ID)
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "create execution records", err)
	}

	o.logger.Info("execution session created",
		"session", session.ID,
		"batches", len(scheduled),
		"tasks", totalTasks,
		"range", fmt.Sprintf("%d-%d", lo, hi))
	o.publishSession(session.ID, db.SessionStarted, "")
	return session, nil
}

func (o *Orchestrator) createRecords(session *db.Session, scheduled []plan.Batch, now time.Time) error {
	if err := o.store.SaveSession(session); err != nil {
		return err
	}
	for _, b := range scheduled {
		status := db.BatchPending
		if len(b.Dependencies) == 0 {
			status = db.BatchReady
		}
		batch := &db.Batch{
			ID:            BatchID(session.ID, b.Number),
			SessionID:     session.ID,
			BatchNumber:   b.Number,
			Title:         b.Title,
			Status:        status,
			ExecutionMode: b.ExecutionMode,
			Dependencies:  b.Dependencies,
			TotalTasks:    len(b.Tasks),
			CreatedAt:     now,
		}
		if err := o.store.SaveBatch(batch); err != nil {
			return err
		}
		for _, t := range b.Tasks {
			task := &db.Task{
				ID:             TaskID(batch.ID, t.Number),
				SessionID:      session.ID,
				BatchID:        batch.ID,
				BatchNumber:    b.Number,
				TaskNumber:     t.Number,
				SortKey:        plan.TaskSortKey(t.Number),
				Title:          t.Title,
				Status:         db.TaskPending,
				Files:          t.Files,
				Implementation: t.Implementation,
				Verification:   t.VerificationSteps,
				DependsOn:      t.DependsOn,
				CreatedAt:      now,
			}
			if err := o.store.SaveTask(task); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewSessionID returns a fresh execution session identifier.
func NewSessionID() string {
	return "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// BatchID returns the record id for a batch of a session.
func BatchID(sessionID string, batchNumber int) string {
	return fmt.Sprintf("%s_batch_%d", sessionID, batchNumber)
}

// TaskID returns the record id for a task of a batch.
func TaskID(batchID, taskNumber string) string {
	return fmt.Sprintf("%s_task_%s", batchID, strings.ReplaceAll(taskNumber, ".", "_"))
}

// ReadyBatches returns the session's batches whose dependencies are all
// complete and which are not yet executing or finished, in batch-number
// order.
func (o *Orchestrator) ReadyBatches(sessionID string) ([]*db.Batch, error) {
	batches, err := o.store.ListBatches(sessionID)
	if err != nil {
		return nil, err
	}

	complete := make(map[int]bool)
	for _, b := range batches {
		if b.Status == db.BatchComplete {
			complete[b.BatchNumber] = true
		}
	}

	var ready []*db.Batch
	for _, b := range batches {
		if b.Status != db.BatchPending && b.Status != db.BatchReady {
			continue
		}
		eligible := true
		for _, dep := range b.Dependencies {
			if !complete[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, b)
		}
	}
	return ready, nil
}

// MarkBatchExecuting transitions a batch to executing.
func (o *Orchestrator) MarkBatchExecuting(batch *db.Batch) error {
	return o.markBatch(batch, db.BatchExecuting)
}

// MarkBatchComplete transitions a batch to complete.
func (o *Orchestrator) MarkBatchComplete(batch *db.Batch) error {
	return o.markBatch(batch, db.BatchComplete)
}

// MarkBatchFailed transitions a batch to failed.
func (o *Orchestrator) MarkBatchFailed(batch *db.Batch) error {
	return o.markBatch(batch, db.BatchFailed)
}

func (o *Orchestrator) markBatch(batch *db.Batch, status string) error {
	if err := o.store.UpdateBatchStatus(batch.ID, status); err != nil {
		return err
	}
	batch.Status = status
	o.logger.Info("batch status", "batch", batch.BatchNumber, "status", status)
	o.events.Publish(events.Event{
		Type:      events.EventBatchStatus,
		SessionID: batch.SessionID,
		BatchID:   batch.ID,
		Status:    status,
		Time:      time.Now().UTC(),
	})
	return nil
}

// TaskOutcome is what a worker persists after driving a task.
type TaskOutcome struct {
	Status    string
	Branch    string
	CommitSHA string
	PRNumber  int
	PRURL     string
	Error     string
}

// MarkTaskResult records a task's outcome and bumps the owning session's
// and batch's counters in the same transaction.
func (o *Orchestrator) MarkTaskResult(ctx context.Context, task *db.Task, outcome TaskOutcome) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := o.store.BeginTx(ctx, nil)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "begin task result tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, o.store.Rebind(`
		UPDATE tasks SET
			status = ?, branch = ?, commit_sha = ?, pr_number = ?, pr_url = ?,
			error = ?, completed_at = ?
		WHERE id = ?
	`), outcome.Status, outcome.Branch, outcome.CommitSHA, outcome.PRNumber,
		outcome.PRURL, outcome.Error, now, task.ID)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update task result", err)
	}

	completedDelta, failedDelta := 0, 0
	if outcome.Status == db.TaskFailed {
		failedDelta = 1
	} else {
		completedDelta = 1
	}
	_, err = tx.Exec(ctx, o.store.Rebind(`
		UPDATE sessions SET
			completed_tasks = completed_tasks + ?,
			failed_tasks = failed_tasks + ?
		WHERE id = ?
	`), completedDelta, failedDelta, task.SessionID)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update session counters", err)
	}
	_, err = tx.Exec(ctx, o.store.Rebind(`
		UPDATE batches SET
			completed_tasks = completed_tasks + ?,
			failed_tasks = failed_tasks + ?
		WHERE id = ?
	`), completedDelta, failedDelta, task.BatchID)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "update batch counters", err)
	}

	if err := tx.Commit(); err != nil {
		return taskerr.Wrap(taskerr.CodeOrchestratorDB, "commit task result", err)
	}

	o.logger.Info("task result",
		"task", task.TaskNumber, "status", outcome.Status, "error", outcome.Error)
	o.events.Publish(events.Event{
		Type:      events.EventTaskStatus,
		SessionID: task.SessionID,
		BatchID:   task.BatchID,
		TaskID:    task.ID,
		Status:    outcome.Status,
		Detail:    outcome.Error,
		Time:      time.Now().UTC(),
	})
	return nil
}

// MarkSessionStatus transitions the session and publishes the change.
func (o *Orchestrator) MarkSessionStatus(sessionID, status, errText string) error {
	if err := o.store.UpdateSessionStatus(sessionID, status, errText); err != nil {
		return err
	}
	o.logger.Info("session status", "session", sessionID, "status", status, "error", errText)
	o.publishSession(sessionID, status, errText)
	return nil
}

func (o *Orchestrator) publishSession(sessionID, status, detail string) {
	o.events.Publish(events.Event{
		Type:      events.EventSessionStatus,
		SessionID: sessionID,
		Status:    status,
		Detail:    detail,
		Time:      time.Now().UTC(),
	})
}

// ActivePR is a task currently holding an open change request.
type ActivePR struct {
	Task     string `json:"task"`
	PRNumber int    `json:"pr_number"`
	Status   string `json:"status"`
	URL      string `json:"url"`
}

// SessionSnapshot is the observer projection of a session.
type SessionSnapshot struct {
	ExecutionID    string     `json:"execution_id"`
	Status         string     `json:"status"`
	CurrentBatch   int        `json:"current_batch"`
	TotalBatches   int        `json:"total_batches"`
	TotalTasks     int        `json:"tasks_total"`
	CompletedTasks int        `json:"tasks_completed"`
	FailedTasks    int        `json:"tasks_failed"`
	ActivePRs      []ActivePR `json:"active_prs"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// SessionStatus builds the snapshot for a session, or nil if the session
// does not exist.
func (o *Orchestrator) SessionStatus(sessionID string) (*SessionSnapshot, error) {
	session, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	snap := &SessionSnapshot{
		ExecutionID:    session.ID,
		Status:         session.Status,
		TotalBatches:   session.TotalBatches,
		TotalTasks:     session.TotalTasks,
		CompletedTasks: session.CompletedTasks,
		FailedTasks:    session.FailedTasks,
		ActivePRs:      []ActivePR{},
		StartedAt:      session.StartedAt,
		CompletedAt:    session.CompletedAt,
	}

	batches, err := o.store.ListBatches(sessionID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.Status == db.BatchExecuting {
			snap.CurrentBatch = b.BatchNumber
			break
		}
		if b.Status == db.BatchComplete || b.Status == db.BatchFailed {
			snap.CurrentBatch = b.BatchNumber
		}
	}

	tasks, err := o.store.ListTasksBySession(sessionID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == db.TaskPRCreated && t.PRNumber > 0 {
			snap.ActivePRs = append(snap.ActivePRs, ActivePR{
				Task:     t.TaskNumber,
				PRNumber: t.PRNumber,
				Status:   t.Status,
				URL:      t.PRURL,
			})
		}
	}
	return snap, nil
}
