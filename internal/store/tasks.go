package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crucible-run/crucible/internal/core"
)

// ErrNotFound is returned when a task id does not resolve.
var ErrNotFound = errors.New("task not found")

// Store is the durable task repository. Every status transition is a
// conditional UPDATE keyed on the current status, so two writers racing on
// the same task cannot both win a terminal transition.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `task_id, name, code, language, input_data, user_id, status,
	result, error_message, created_at, started_at, completed_at,
	ttl_seconds, worker_id, retry_count, max_retries`

func scanTask(row pgx.Row) (core.Task, error) {
	var t core.Task
	var ttlSeconds int64
	err := row.Scan(
		&t.ID, &t.Name, &t.Code, &t.Language, &t.InputData, &t.UserID, &t.Status,
		&t.Result, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		&ttlSeconds, &t.WorkerID, &t.RetryCount, &t.MaxRetries,
	)
	if err != nil {
		return core.Task{}, err
	}
	t.TTL = time.Duration(ttlSeconds) * time.Second
	return t, nil
}

// CreateTask inserts a new PENDING task.
func (s *Store) CreateTask(ctx context.Context, t *core.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, name, code, language, input_data, user_id,
			status, created_at, ttl_seconds, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Code, t.Language, t.InputData, t.UserID,
		t.Status, t.CreatedAt, int64(t.TTL/time.Second), t.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id. Returns ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (core.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Task{}, ErrNotFound
	}
	if err != nil {
		return core.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListFilter narrows ListTasks. Zero values mean "no filter". Cursor pages
// backwards through created_at.
type ListFilter struct {
	Status   core.TaskStatus
	Language core.Language
	UserID   string
	Limit    int
	Cursor   time.Time
}

func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]core.Task, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	cursor := f.Cursor
	if cursor.IsZero() {
		cursor = time.Now().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR user_id = $3)
		  AND created_at < $4
		ORDER BY created_at DESC
		LIMIT $5`,
		string(f.Status), string(f.Language), f.UserID, cursor, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetExpirable returns live tasks whose deadline passed before now.
func (s *Store) GetExpirable(ctx context.Context, now time.Time) ([]core.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('PENDING', 'IN_PROGRESS')
		  AND created_at + make_interval(secs => ttl_seconds) < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("get expirable: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask attempts the PENDING -> IN_PROGRESS transition. The second
// return is false when the task was not claimable (already claimed or
// terminal); redelivered queue messages end up here.
func (s *Store) ClaimTask(ctx context.Context, id, workerID string, now time.Time) (core.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'IN_PROGRESS', started_at = $2, worker_id = $3
		WHERE task_id = $1 AND status = 'PENDING'
		RETURNING `+taskColumns,
		id, now, workerID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return t, true, nil
}

// CompleteTask finishes an IN_PROGRESS task with its captured output.
func (s *Store) CompleteTask(ctx context.Context, id, result string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'COMPLETED', result = $2, error_message = '', completed_at = $3
		WHERE task_id = $1 AND status = 'IN_PROGRESS'`,
		id, result, now,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailTask finishes an IN_PROGRESS task with an execution error.
func (s *Store) FailTask(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error_message = $2, completed_at = $3
		WHERE task_id = $1 AND status = 'IN_PROGRESS'`,
		id, errMsg, now,
	)
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTask transitions a live task to EXPIRED. Idempotent: expiring an
// already-terminal task matches zero rows and reports false without error,
// so sweep and dispatcher can race safely.
func (s *Store) ExpireTask(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'EXPIRED', error_message = $2, completed_at = $3
		WHERE task_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')`,
		id, core.ExpiredMessage, now,
	)
	if err != nil {
		return false, fmt.Errorf("expire task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryTask re-enters PENDING from FAILED or EXPIRED, consuming one retry.
// The status and budget checks live in the WHERE clause so a racing writer
// cannot resurrect a live or exhausted task.
func (s *Store) RetryTask(ctx context.Context, id string) (core.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'PENDING', retry_count = retry_count + 1,
			started_at = NULL, completed_at = NULL,
			error_message = '', worker_id = ''
		WHERE task_id = $1
		  AND status IN ('FAILED', 'EXPIRED')
		  AND retry_count < max_retries
		RETURNING `+taskColumns,
		id,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("retry task: %w", err)
	}
	return t, true, nil
}

// UpdateTaskParams holds optional field edits. Nil means "leave unchanged".
type UpdateTaskParams struct {
	Name      *string
	Code      *string
	InputData *string
}

// UpdateTask edits a task's submission fields. Only PENDING tasks are
// editable; anything later is owned by a dispatcher or already terminal.
func (s *Store) UpdateTask(ctx context.Context, id string, p UpdateTaskParams) (core.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET name       = COALESCE($2, name),
			code       = COALESCE($3, code),
			input_data = COALESCE($4, input_data)
		WHERE task_id = $1 AND status = 'PENDING'
		RETURNING `+taskColumns,
		id, p.Name, p.Code, p.InputData,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("update task: %w", err)
	}
	return t, true, nil
}
