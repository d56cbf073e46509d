package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/observability"
	"github.com/crucible-run/crucible/internal/store"
)

// TaskStore is the slice of the task repository the lifecycle needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *core.Task) error
	GetTask(ctx context.Context, id string) (core.Task, error)
	ListTasks(ctx context.Context, f store.ListFilter) ([]core.Task, error)
	GetExpirable(ctx context.Context, now time.Time) ([]core.Task, error)
	ClaimTask(ctx context.Context, id, workerID string, now time.Time) (core.Task, bool, error)
	CompleteTask(ctx context.Context, id, result string, now time.Time) (bool, error)
	FailTask(ctx context.Context, id, errMsg string, now time.Time) (bool, error)
	ExpireTask(ctx context.Context, id string, now time.Time) (bool, error)
	RetryTask(ctx context.Context, id string) (core.Task, bool, error)
	UpdateTask(ctx context.Context, id string, p store.UpdateTaskParams) (core.Task, bool, error)
}

// Publisher enqueues task ids for dispatch.
type Publisher interface {
	Publish(ctx context.Context, taskID string) error
}

// Service owns every task state transition. Producers create and retry,
// dispatchers claim and finish, the sweep expires; all of it funnels through
// here onto the store's compare-and-set updates.
type Service struct {
	store TaskStore
	queue Publisher
	log   *zap.Logger
	now   func() time.Time
}

func NewService(st TaskStore, queue Publisher, log *zap.Logger) *Service {
	return &Service{store: st, queue: queue, log: log, now: func() time.Time { return time.Now().UTC() }}
}

type CreateParams struct {
	Name       string
	Code       string
	Language   string
	InputData  string
	UserID     string
	TTL        time.Duration
	MaxRetries int
}

// Create validates, persists a PENDING task and publishes its id.
func (s *Service) Create(ctx context.Context, p CreateParams) (core.Task, error) {
	if p.Code == "" {
		return core.Task{}, core.NewAppError(core.ErrBadRequest, "code is required")
	}
	lang, err := core.ParseLanguage(p.Language)
	if err != nil {
		return core.Task{}, core.NewAppError(core.ErrBadRequest, err.Error())
	}
	if p.TTL == 0 {
		p.TTL = core.DefaultTTL
	}
	if p.TTL < 0 || p.TTL > core.MaxTTL {
		return core.Task{}, core.NewAppError(core.ErrBadRequest,
			fmt.Sprintf("ttl must be positive and at most %s", core.MaxTTL))
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = core.DefaultMaxRetries
	}
	if p.MaxRetries < 0 || p.MaxRetries > core.MaxMaxRetries {
		return core.Task{}, core.NewAppError(core.ErrBadRequest,
			fmt.Sprintf("max_retries must be positive and at most %d", core.MaxMaxRetries))
	}

	task := core.Task{
		ID:         core.NewID(),
		Name:       p.Name,
		Code:       p.Code,
		Language:   lang,
		InputData:  p.InputData,
		UserID:     p.UserID,
		Status:     core.TaskPending,
		CreatedAt:  s.now(),
		TTL:        p.TTL,
		MaxRetries: p.MaxRetries,
	}
	if err := s.store.CreateTask(ctx, &task); err != nil {
		return core.Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := s.queue.Publish(ctx, task.ID); err != nil {
		// The task stays PENDING; the sweep will expire it if nobody
		// republishes before the deadline.
		return core.Task{}, fmt.Errorf("publish task: %w", err)
	}
	s.log.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("language", string(task.Language)),
		zap.Duration("ttl", task.TTL),
	)
	return task, nil
}

func (s *Service) Get(ctx context.Context, id string) (core.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err == store.ErrNotFound {
		return core.Task{}, core.NewAppError(core.ErrNotFound, "task not found")
	}
	return task, err
}

func (s *Service) List(ctx context.Context, f store.ListFilter) ([]core.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Update edits a task's submission fields while it is still PENDING.
func (s *Service) Update(ctx context.Context, id string, p store.UpdateTaskParams) (core.Task, error) {
	task, ok, err := s.store.UpdateTask(ctx, id, p)
	if err != nil {
		return core.Task{}, err
	}
	if ok {
		return task, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return core.Task{}, err
	}
	return core.Task{}, core.NewAppError(core.ErrConflict, "only pending tasks can be updated")
}

// Retry re-enters PENDING from a failed or expired state and republishes.
func (s *Service) Retry(ctx context.Context, id string) (core.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return core.Task{}, err
	}
	if !task.CanRetry() {
		if task.Status == core.TaskPending || task.Status == core.TaskInProgress {
			return core.Task{}, core.NewAppError(core.ErrRetryNotAllowed, "task is still live")
		}
		if task.Status == core.TaskFailed || task.Status == core.TaskExpired {
			return core.Task{}, core.NewAppError(core.ErrRetryNotAllowed, "retry budget exhausted")
		}
		return core.Task{}, core.NewAppError(core.ErrRetryNotAllowed,
			fmt.Sprintf("cannot retry from status %s", task.Status))
	}

	retried, ok, err := s.store.RetryTask(ctx, id)
	if err != nil {
		return core.Task{}, err
	}
	if !ok {
		// Lost a race with another writer between Get and the update.
		return core.Task{}, core.NewAppError(core.ErrRetryNotAllowed, "task is no longer retryable")
	}
	if err := s.queue.Publish(ctx, id); err != nil {
		return core.Task{}, fmt.Errorf("publish retried task: %w", err)
	}
	observability.TaskRetryTotal.WithLabelValues(string(retried.Language)).Inc()
	s.log.Info("task retried",
		zap.String("task_id", id),
		zap.Int("retry_count", retried.RetryCount),
		zap.Int("max_retries", retried.MaxRetries),
	)
	return retried, nil
}

// Claim attempts to take ownership of a PENDING task for a worker.
func (s *Service) Claim(ctx context.Context, id, workerID string) (core.Task, bool, error) {
	return s.store.ClaimTask(ctx, id, workerID, s.now())
}

// Complete finishes an IN_PROGRESS task with its output.
func (s *Service) Complete(ctx context.Context, id, result string) (bool, error) {
	return s.store.CompleteTask(ctx, id, result, s.now())
}

// Fail finishes an IN_PROGRESS task with an execution error.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.store.FailTask(ctx, id, errMsg, s.now())
}

// Expire transitions a live task to EXPIRED. No-op on terminal tasks.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	return s.store.ExpireTask(ctx, id, s.now())
}
