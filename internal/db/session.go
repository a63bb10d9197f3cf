package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Session statuses.
const (
	SessionStarted   = "started"
	SessionExecuting = "executing"
	SessionComplete  = "complete"
	SessionFailed    = "failed"
	SessionPaused    = "paused"
)

// SessionTerminal reports whether a session status is terminal.
func SessionTerminal(status string) bool {
	switch status {
	case SessionComplete, SessionFailed, SessionPaused:
		return true
	}
	return false
}

// Session represents one execution of a plan (or a batch range of it).
type Session struct {
	ID             string
	PlanPath       string
	Status         string
	ExecutionMode  string
	BatchStart     *int
	BatchEnd       *int
	TotalBatches   int
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	AutoMerge      bool
	MaxReviewRounds int
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// SaveSession creates or updates a session.
func (e *ExecDB) SaveSession(s *Session) error {
	autoMerge := 0
	if s.AutoMerge {
		autoMerge = 1
	}
	_, err := e.Exec(`
		INSERT INTO sessions (id, plan_path, status, execution_mode, batch_start, batch_end, total_batches, total_tasks, completed_tasks, failed_tasks, auto_merge, max_review_rounds, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_path = excluded.plan_path,
			status = excluded.status,
			execution_mode = excluded.execution_mode,
			batch_start = excluded.batch_start,
			batch_end = excluded.batch_end,
			total_batches = excluded.total_batches,
			total_tasks = excluded.total_tasks,
			completed_tasks = excluded.completed_tasks,
			failed_tasks = excluded.failed_tasks,
			auto_merge = excluded.auto_merge,
			max_review_rounds = excluded.max_review_rounds,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, s.ID, s.PlanPath, s.Status, s.ExecutionMode, s.BatchStart, s.BatchEnd,
		s.TotalBatches, s.TotalTasks, s.CompletedTasks, s.FailedTasks,
		autoMerge, s.MaxReviewRounds, s.Error,
		formatTime(s.CreatedAt), formatTimePtr(s.StartedAt), formatTimePtr(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (e *ExecDB) GetSession(id string) (*Session, error) {
	row := e.QueryRow(`
		SELECT id, plan_path, status, execution_mode, batch_start, batch_end, total_batches, total_tasks, completed_tasks, failed_tasks, auto_merge, max_review_rounds, error, created_at, started_at, completed_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns all sessions, newest first.
func (e *ExecDB) ListSessions() ([]*Session, error) {
	rows, err := e.Query(`
		SELECT id, plan_path, status, execution_mode, batch_start, batch_end, total_batches, total_tasks, completed_tasks, failed_tasks, auto_merge, max_review_rounds, error, created_at, started_at, completed_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus sets the status, the error text, and the matching
// timestamp for terminal transitions.
func (e *ExecDB) UpdateSessionStatus(id, status, errText string) error {
	now := formatTime(time.Now().UTC())
	var startedAt, completedAt *string
	if status == SessionExecuting {
		startedAt = &now
	}
	if SessionTerminal(status) {
		completedAt = &now
	}
	_, err := e.Exec(`
		UPDATE sessions SET
			status = ?,
			error = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, errText, startedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var autoMerge int
	var createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&s.ID, &s.PlanPath, &s.Status, &s.ExecutionMode,
		&s.BatchStart, &s.BatchEnd, &s.TotalBatches, &s.TotalTasks,
		&s.CompletedTasks, &s.FailedTasks, &autoMerge, &s.MaxReviewRounds,
		&s.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	s.AutoMerge = autoMerge != 0
	s.CreatedAt = parseTime(createdAt)
	s.StartedAt = parseTimePtr(startedAt)
	s.CompletedAt = parseTimePtr(completedAt)
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalInts(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
