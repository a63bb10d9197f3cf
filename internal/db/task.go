package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskComplete   = "complete"
	TaskPRCreated  = "pr_created"
	TaskReviewing  = "reviewing"
	TaskFixing     = "fixing"
	TaskApproved   = "approved"
	TaskMerged     = "merged"
	TaskFailed     = "failed"
)

// TaskSucceeded reports whether a task status counts as completed work.
func TaskSucceeded(status string) bool {
	switch status {
	case TaskComplete, TaskPRCreated, TaskReviewing, TaskFixing, TaskApproved, TaskMerged:
		return true
	}
	return false
}

// Task represents one plan task stored in the database.
type Task struct {
	ID             string
	SessionID      string
	BatchID        string
	BatchNumber    int
	TaskNumber     string
	SortKey        string
	Title          string
	Status         string
	Files          []string
	Implementation string
	Verification   []string
	DependsOn      []string
	Branch         string
	CommitSHA      string
	PRURL          string
	PRNumber       int
	ReviewRounds   int
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// SaveTask creates or updates a task.
func (e *ExecDB) SaveTask(t *Task) error {
	_, err := e.Exec(`
		INSERT INTO tasks (id, session_id, batch_id, batch_number, task_number, sort_key, title, status, files, implementation, verification, depends_on, branch, commit_sha, pr_url, pr_number, review_rounds, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			files = excluded.files,
			implementation = excluded.implementation,
			verification = excluded.verification,
			depends_on = excluded.depends_on,
			branch = excluded.branch,
			commit_sha = excluded.commit_sha,
			pr_url = excluded.pr_url,
			pr_number = excluded.pr_number,
			review_rounds = excluded.review_rounds,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, t.ID, t.SessionID, t.BatchID, t.BatchNumber, t.TaskNumber, t.SortKey,
		t.Title, t.Status, marshalJSON(t.Files), t.Implementation,
		marshalJSON(t.Verification), marshalJSON(t.DependsOn),
		t.Branch, t.CommitSHA, t.PRURL, t.PRNumber, t.ReviewRounds, t.Error,
		formatTime(t.CreatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (e *ExecDB) GetTask(id string) (*Task, error) {
	row := e.QueryRow(selectTask+" WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTaskByNumber retrieves a session's task by plan task number.
func (e *ExecDB) GetTaskByNumber(sessionID, taskNumber string) (*Task, error) {
	row := e.QueryRow(selectTask+" WHERE session_id = ? AND task_number = ?", sessionID, taskNumber)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s/%s: %w", sessionID, taskNumber, err)
	}
	return t, nil
}

// ListTasksByBatch returns a batch's tasks in sort-key order.
func (e *ExecDB) ListTasksByBatch(batchID string) ([]*Task, error) {
	return e.listTasks(selectTask+" WHERE batch_id = ? ORDER BY sort_key", batchID)
}

// ListTasksBySession returns a session's tasks in claim order.
func (e *ExecDB) ListTasksBySession(sessionID string) ([]*Task, error) {
	return e.listTasks(selectTask+" WHERE session_id = ? ORDER BY batch_number, sort_key", sessionID)
}

func (e *ExecDB) listTasks(query string, args ...any) ([]*Task, error) {
	rows, err := e.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets a task's status.
func (e *ExecDB) UpdateTaskStatus(id, status string) error {
	_, err := e.Exec("UPDATE tasks SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

const selectTask = `
	SELECT id, session_id, batch_id, batch_number, task_number, sort_key, title, status, files, implementation, verification, depends_on, branch, commit_sha, pr_url, pr_number, review_rounds, error, created_at, started_at, completed_at
	FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var files, verification, dependsOn, createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &t.BatchID, &t.BatchNumber,
		&t.TaskNumber, &t.SortKey, &t.Title, &t.Status, &files, &t.Implementation,
		&verification, &dependsOn, &t.Branch, &t.CommitSHA, &t.PRURL, &t.PRNumber,
		&t.ReviewRounds, &t.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Files = unmarshalStrings(files)
	t.Verification = unmarshalStrings(verification)
	t.DependsOn = unmarshalStrings(dependsOn)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}
