package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Batch statuses.
const (
	BatchPending   = "pending"
	BatchReady     = "ready"
	BatchExecuting = "executing"
	BatchComplete  = "complete"
	BatchFailed    = "failed"
)

// Batch represents one batch of a session.
type Batch struct {
	ID             string
	SessionID      string
	BatchNumber    int
	Title          string
	Status         string
	ExecutionMode  string
	Dependencies   []int
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// SaveBatch creates or updates a batch.
func (e *ExecDB) SaveBatch(b *Batch) error {
	_, err := e.Exec(`
		INSERT INTO batches (id, session_id, batch_number, title, status, execution_mode, dependencies, total_tasks, completed_tasks, failed_tasks, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			execution_mode = excluded.execution_mode,
			dependencies = excluded.dependencies,
			total_tasks = excluded.total_tasks,
			completed_tasks = excluded.completed_tasks,
			failed_tasks = excluded.failed_tasks,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, b.ID, b.SessionID, b.BatchNumber, b.Title, b.Status, b.ExecutionMode,
		marshalJSON(b.Dependencies), b.TotalTasks, b.CompletedTasks, b.FailedTasks,
		formatTime(b.CreatedAt), formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID. Returns nil if not found.
func (e *ExecDB) GetBatch(id string) (*Batch, error) {
	row := e.QueryRow(selectBatch+" WHERE id = ?", id)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns a session's batches ordered by batch number.
func (e *ExecDB) ListBatches(sessionID string) ([]*Batch, error) {
	rows, err := e.Query(selectBatch+" WHERE session_id = ? ORDER BY batch_number", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus sets a batch's status and the matching timestamp.
func (e *ExecDB) UpdateBatchStatus(id, status string) error {
	now := formatTime(time.Now().UTC())
	var startedAt, completedAt *string
	if status == BatchExecuting {
		startedAt = &now
	}
	if status == BatchComplete || status == BatchFailed {
		completedAt = &now
	}
	_, err := e.Exec(`
		UPDATE batches SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, startedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

const selectBatch = `
	SELECT id, session_id, batch_number, title, status, execution_mode, dependencies, total_tasks, completed_tasks, failed_tasks, created_at, started_at, completed_at
	FROM batches`

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var deps, createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&b.ID, &b.SessionID, &b.BatchNumber, &b.Title, &b.Status,
		&b.ExecutionMode, &deps, &b.TotalTasks, &b.CompletedTasks, &b.FailedTasks,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Dependencies = unmarshalInts(deps)
	b.CreatedAt = parseTime(createdAt)
	b.StartedAt = parseTimePtr(startedAt)
	b.CompletedAt = parseTimePtr(completedAt)
	return &b, nil
}
