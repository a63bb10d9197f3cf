package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// ClaimNextTask atomically claims the lowest-ordered pending task of the
// session. Returns (nil, nil) when nothing is claimable right now.
//
// The claim is two-phase because SQLite has no reliable row-lock with
// skip-locked semantics: phase one selects a candidate, phase two
// compare-and-swaps its status from pending to in_progress. A swap that
// affects zero rows means another worker won the race; the caller simply
// polls again.
func (o *Orchestrator) ClaimNextTask(ctx context.Context, sessionID string) (*db.Task, error) {
	var candidate string
	err := o.store.QueryRowContext(ctx, `
		SELECT t.id
		FROM tasks t
		JOIN batches b ON t.batch_id = b.id
		WHERE t.session_id = ?
		  AND t.status = ?
		  AND b.status IN (?, ?)
		ORDER BY t.batch_number, t.sort_key
		LIMIT 1
	`, sessionID, db.TaskPending, db.BatchExecuting, db.BatchReady).Scan(&candidate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "select claim candidate", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := o.store.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, db.TaskInProgress, now, candidate, db.TaskPending)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "claim task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "claim rows affected", err)
	}
	if affected == 0 {
		// Lost the race.
		return nil, nil
	}

	task, err := o.store.GetTask(candidate)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ClaimNextReviewTask claims a task holding an open change request whose
// review-round count is below the bound, moving it to reviewing. Same
// compare-and-swap discipline as ClaimNextTask.
func (o *Orchestrator) ClaimNextReviewTask(ctx context.Context, sessionID string, maxRounds int) (*db.Task, error) {
	var candidate string
	err := o.store.QueryRowContext(ctx, `
		SELECT id
		FROM tasks
		WHERE session_id = ?
		  AND status = ?
		  AND review_rounds < ?
		ORDER BY batch_number, sort_key
		LIMIT 1
	`, sessionID, db.TaskPRCreated, maxRounds).Scan(&candidate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "select review candidate", err)
	}

	res, err := o.store.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE id = ? AND status = ?
	`, db.TaskReviewing, candidate, db.TaskPRCreated)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "claim review task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeOrchestratorDB, "review claim rows affected", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return o.store.GetTask(candidate)
}
