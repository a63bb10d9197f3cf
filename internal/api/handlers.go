package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/orchestrator"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}

// createExecutionRequest is the POST /api/executions body.
type createExecutionRequest struct {
	PlanPath        string `json:"plan_path"`
	BatchStart      int    `json:"batch_start,omitempty"`
	BatchEnd        int    `json:"batch_end,omitempty"`
	ExecutionMode   string `json:"execution_mode,omitempty"`
	AutoMerge       bool   `json:"auto_merge,omitempty"`
	MaxReviewRounds int    `json:"max_review_rounds,omitempty"`
}

type createExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Batches     int    `json:"batches"`
	Tasks       int    `json:"tasks"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PlanPath == "" {
		JSONError(w, "plan_path is required", http.StatusBadRequest)
		return
	}

	session, err := s.orch.StartExecution(r.Context(), orchestrator.StartOptions{
		PlanPath:        req.PlanPath,
		BatchStart:      req.BatchStart,
		BatchEnd:        req.BatchEnd,
		ExecutionMode:   req.ExecutionMode,
		AutoMerge:       req.AutoMerge,
		MaxReviewRounds: req.MaxReviewRounds,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	if s.launch != nil {
		s.launch(session.ID)
	}

	JSONResponseStatus(w, createExecutionResponse{
		ExecutionID: session.ID,
		Status:      session.Status,
		Batches:     session.TotalBatches,
		Tasks:       session.TotalTasks,
	}, http.StatusAccepted)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.SessionStatus(r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	if snap == nil {
		JSONError(w, "execution not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, snap)
}

// batchView is the wire shape of a batch.
type batchView struct {
	BatchNumber    int        `json:"batch_number"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	Dependencies   []int      `json:"dependencies,omitempty"`
	TotalTasks     int        `json:"tasks_total"`
	CompletedTasks int        `json:"tasks_completed"`
	FailedTasks    int        `json:"tasks_failed"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleExecutionBatches(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if session == nil {
		JSONError(w, "execution not found", http.StatusNotFound)
		return
	}

	batches, err := s.store.ListBatches(id)
	if err != nil {
		HandleError(w, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, batchView{
			BatchNumber:    b.BatchNumber,
			Title:          b.Title,
			Status:         b.Status,
			Dependencies:   b.Dependencies,
			TotalTasks:     b.TotalTasks,
			CompletedTasks: b.CompletedTasks,
			FailedTasks:    b.FailedTasks,
			StartedAt:      b.StartedAt,
			CompletedAt:    b.CompletedAt,
		})
	}
	JSONResponse(w, map[string]any{
		"execution_id": id,
		"batches":      views,
	})
}

// taskView is the wire shape of a task.
type taskView struct {
	TaskNumber   string     `json:"task_number"`
	BatchNumber  int        `json:"batch_number"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	Files        []string   `json:"files,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	CommitSHA    string     `json:"commit_sha,omitempty"`
	PRNumber     int        `json:"pr_number,omitempty"`
	PRURL        string     `json:"pr_url,omitempty"`
	ReviewRounds int        `json:"review_rounds,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func taskToView(t *db.Task) taskView {
	return taskView{
		TaskNumber:   t.TaskNumber,
		BatchNumber:  t.BatchNumber,
		Title:        t.Title,
		Status:       t.Status,
		Files:        t.Files,
		Branch:       t.Branch,
		CommitSHA:    t.CommitSHA,
		PRNumber:     t.PRNumber,
		PRURL:        t.PRURL,
		ReviewRounds: t.ReviewRounds,
		Error:        t.Error,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func (s *Server) handleExecutionTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTaskByNumber(r.PathValue("id"), r.PathValue("number"))
	if err != nil {
		HandleError(w, err)
		return
	}
	if task == nil {
		JSONError(w, "task not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, taskToView(task))
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		JSONError(w, "worktree pool not running", http.StatusServiceUnavailable)
		return
	}
	JSONResponse(w, s.pool.Status())
}
