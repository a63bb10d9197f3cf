package db

import (
	"fmt"
	"time"
)

// Review states, matching forge review states.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewCommented        = "commented"
)

// Review is one recorded review round on a task's PR.
type Review struct {
	ID        int64
	TaskID    string
	Round     int
	Reviewer  string
	State     string
	Body      string
	CreatedAt time.Time
}

// AddReview appends a review record for a task.
func (e *ExecDB) AddReview(r *Review) error {
	_, err := e.Exec(`
		INSERT INTO reviews (task_id, round, reviewer, state, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.Round, r.Reviewer, r.State, r.Body, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("add review: %w", err)
	}
	return nil
}

// ListReviews returns a task's reviews in insertion order.
func (e *ExecDB) ListReviews(taskID string) ([]*Review, error) {
	rows, err := e.Query(`
		SELECT id, task_id, round, reviewer, state, body, created_at
		FROM reviews WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*Review
	for rows.Next() {
		var r Review
		var createdAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Round, &r.Reviewer, &r.State, &r.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}
