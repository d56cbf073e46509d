package core

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskExpired    TaskStatus = "EXPIRED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

const (
	DefaultTTL        = 10 * time.Minute
	MaxTTL            = 24 * time.Hour
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
)

// ExpiredMessage is the error text written on every TTL transition.
const ExpiredMessage = "ttl exceeded"

type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Code         string        `json:"code"`
	Language     Language      `json:"language"`
	InputData    string        `json:"input_data,omitempty"`
	UserID       string        `json:"user_id"`
	Status       TaskStatus    `json:"status"`
	Result       string        `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	TTL          time.Duration `json:"ttl"`
	WorkerID     string        `json:"worker_id,omitempty"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
}

// Deadline is the instant after which the task is expirable.
func (t *Task) Deadline() time.Time {
	return t.CreatedAt.Add(t.TTL)
}

// Remaining returns the TTL budget left at now, clamped to zero.
func (t *Task) Remaining(now time.Time) time.Duration {
	d := t.Deadline().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsTerminal returns true if task is in a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskExpired, TaskCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a retry is currently allowed: the task must be
// FAILED or EXPIRED and have budget left. PENDING and IN_PROGRESS tasks are
// still live and never retryable.
func (t *Task) CanRetry() bool {
	if t.Status != TaskFailed && t.Status != TaskExpired {
		return false
	}
	return t.RetryCount < t.MaxRetries
}

// Expirable reports whether the task's deadline has passed while it is still
// live. Terminal tasks are never expirable.
func (t *Task) Expirable(now time.Time) bool {
	if t.Status != TaskPending && t.Status != TaskInProgress {
		return false
	}
	return now.After(t.Deadline())
}
