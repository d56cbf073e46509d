package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/lifecycle"
	"github.com/crucible-run/crucible/internal/store"
)

type CreateTaskRequest struct {
	Name       string `json:"name"`
	Code       string `json:"code"`
	Language   string `json:"language"`
	InputData  string `json:"input_data,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type UpdateTaskRequest struct {
	Name      *string `json:"name,omitempty"`
	Code      *string `json:"code,omitempty"`
	InputData *string `json:"input_data,omitempty"`
}

type TaskResponse struct {
	TaskID       string `json:"task_id"`
	Name         string `json:"name"`
	Language     string `json:"language"`
	UserID       string `json:"user_id,omitempty"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	WorkerID     string `json:"worker_id,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
}

// CreateTask accepts a code submission and enqueues it for execution.
func (a *API) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "invalid request body"))
		return
	}

	task, err := a.svc.Create(ctx, lifecycle.CreateParams{
		Name:       req.Name,
		Code:       req.Code,
		Language:   req.Language,
		InputData:  req.InputData,
		UserID:     req.UserID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		a.writeServiceError(w, err, "create task failed")
		return
	}

	WriteAccepted(w, task.ID, "/v1/tasks/")
}

// ListTasks lists tasks with filters.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	tasks, err := a.svc.List(ctx, store.ListFilter{
		Status:   core.TaskStatus(r.URL.Query().Get("status")),
		Language: core.Language(r.URL.Query().Get("language")),
		UserID:   r.URL.Query().Get("user_id"),
		Limit:    limit,
		Cursor:   parseCursor(r.URL.Query().Get("cursor")),
	})
	if err != nil {
		a.log.Error("list tasks failed", zap.Error(err))
		WriteError(w, core.NewAppError(core.ErrInternal, "failed to list tasks"))
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		resp[i] = taskToResponse(t)
	}

	var nextCursor string
	if len(tasks) == limit {
		nextCursor = encodeCursor(tasks[len(tasks)-1].CreatedAt)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       resp,
		"next_cursor": nextCursor,
	})
}

// GetTask gets a single task by ID.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.svc.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		a.writeServiceError(w, err, "get task failed")
		return
	}
	WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// UpdateTask edits the submission fields of a still-pending task.
func (a *API) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "invalid request body"))
		return
	}
	if req.Code != nil && *req.Code == "" {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "code cannot be empty"))
		return
	}

	task, err := a.svc.Update(r.Context(), chi.URLParam(r, "task_id"), store.UpdateTaskParams{
		Name:      req.Name,
		Code:      req.Code,
		InputData: req.InputData,
	})
	if err != nil {
		a.writeServiceError(w, err, "update task failed")
		return
	}
	WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// RetryTask re-enqueues a failed or expired task.
func (a *API) RetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.svc.Retry(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		a.writeServiceError(w, err, "retry task failed")
		return
	}
	WriteJSON(w, http.StatusOK, taskToResponse(task))
}

func (a *API) writeServiceError(w http.ResponseWriter, err error, msg string) {
	var appErr *core.AppError
	if errors.As(err, &appErr) {
		WriteError(w, appErr)
		return
	}
	a.log.Error(msg, zap.Error(err))
	WriteError(w, core.NewAppError(core.ErrInternal, msg))
}

func taskToResponse(t core.Task) TaskResponse {
	return TaskResponse{
		TaskID:       t.ID,
		Name:         t.Name,
		Language:     string(t.Language),
		UserID:       t.UserID,
		Status:       string(t.Status),
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		StartedAt:    formatTime(t.StartedAt),
		CompletedAt:  formatTime(t.CompletedAt),
		TTLSeconds:   int64(t.TTL / time.Second),
		WorkerID:     t.WorkerID,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
