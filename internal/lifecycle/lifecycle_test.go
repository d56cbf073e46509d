package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/store"
)

// memStore is an in-memory TaskStore with the same compare-and-set
// transition semantics as the Postgres store.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]core.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]core.Task{}}
}

func (m *memStore) CreateTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return core.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListTasks(_ context.Context, f store.ListFilter) ([]core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) GetExpirable(_ context.Context, now time.Time) ([]core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Task
	for _, t := range m.tasks {
		if t.Expirable(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ClaimTask(_ context.Context, id, workerID string, now time.Time) (core.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != core.TaskPending {
		return core.Task{}, false, nil
	}
	t.Status = core.TaskInProgress
	t.StartedAt = &now
	t.WorkerID = workerID
	m.tasks[id] = t
	return t, true, nil
}

func (m *memStore) CompleteTask(_ context.Context, id, result string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != core.TaskInProgress {
		return false, nil
	}
	t.Status = core.TaskCompleted
	t.Result = result
	t.ErrorMessage = ""
	t.CompletedAt = &now
	m.tasks[id] = t
	return true, nil
}

func (m *memStore) FailTask(_ context.Context, id, errMsg string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != core.TaskInProgress {
		return false, nil
	}
	t.Status = core.TaskFailed
	t.ErrorMessage = errMsg
	t.CompletedAt = &now
	m.tasks[id] = t
	return true, nil
}

func (m *memStore) ExpireTask(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (t.Status != core.TaskPending && t.Status != core.TaskInProgress) {
		return false, nil
	}
	t.Status = core.TaskExpired
	t.ErrorMessage = core.ExpiredMessage
	t.CompletedAt = &now
	m.tasks[id] = t
	return true, nil
}

func (m *memStore) RetryTask(_ context.Context, id string) (core.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || !t.CanRetry() {
		return core.Task{}, false, nil
	}
	t.Status = core.TaskPending
	t.RetryCount++
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorMessage = ""
	t.WorkerID = ""
	m.tasks[id] = t
	return t, true, nil
}

func (m *memStore) UpdateTask(_ context.Context, id string, p store.UpdateTaskParams) (core.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != core.TaskPending {
		return core.Task{}, false, nil
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Code != nil {
		t.Code = *p.Code
	}
	if p.InputData != nil {
		t.InputData = *p.InputData
	}
	m.tasks[id] = t
	return t, true, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (q *fakeQueue) Publish(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, id)
	return nil
}

func newTestService() (*Service, *memStore, *fakeQueue) {
	st := newMemStore()
	q := &fakeQueue{}
	return NewService(st, q, zap.NewNop()), st, q
}

func TestCreate_PublishesID(t *testing.T) {
	svc, _, q := newTestService()

	task, err := svc.Create(context.Background(), CreateParams{
		Code: "print(42)", Language: "python", TTL: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, task.Status)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, core.DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, []string{task.ID}, q.published)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		p    CreateParams
	}{
		{"missing code", CreateParams{Language: "python"}},
		{"bad language", CreateParams{Code: "x", Language: "brainfuck"}},
		{"ttl too large", CreateParams{Code: "x", Language: "python", TTL: 25 * time.Hour}},
		{"negative ttl", CreateParams{Code: "x", Language: "python", TTL: -time.Second}},
		{"retries over cap", CreateParams{Code: "x", Language: "python", MaxRetries: 11}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Create(ctx, c.p)
			var appErr *core.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, core.ErrBadRequest, appErr.Code)
		})
	}
}

func TestRetry_FromFailed(t *testing.T) {
	svc, st, q := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{Code: "x", Language: "python"})
	require.NoError(t, err)
	_, claimed, err := svc.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = svc.Fail(ctx, task.ID, "boom")
	require.NoError(t, err)

	retried, err := svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, retried.ErrorMessage)
	assert.Empty(t, retried.WorkerID)
	// Created once, retried once.
	assert.Equal(t, []string{task.ID, task.ID}, q.published)

	stored, _ := st.GetTask(ctx, task.ID)
	assert.Equal(t, core.TaskPending, stored.Status)
}

func TestRetry_RejectedWhileLive(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{Code: "x", Language: "python"})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, task.ID)
	var appErr *core.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, core.ErrRetryNotAllowed, appErr.Code)

	_, claimed, _ := svc.Claim(ctx, task.ID, "worker-1")
	require.True(t, claimed)
	_, err = svc.Retry(ctx, task.ID)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, core.ErrRetryNotAllowed, appErr.Code)
}

func TestRetry_BudgetExhausted(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{Code: "x", Language: "python", MaxRetries: 1})
	require.NoError(t, err)

	fail := func() {
		_, claimed, err := svc.Claim(ctx, task.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, claimed)
		_, err = svc.Fail(ctx, task.ID, "boom")
		require.NoError(t, err)
	}

	fail()
	_, err = svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	fail()

	_, err = svc.Retry(ctx, task.ID)
	var appErr *core.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, core.ErrRetryNotAllowed, appErr.Code)

	// Rejected retry leaves the task unchanged.
	stored, _ := st.GetTask(ctx, task.ID)
	assert.Equal(t, core.TaskFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestRetry_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Retry(context.Background(), "missing")
	var appErr *core.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, core.ErrNotFound, appErr.Code)
}

func TestCreate_PublishFailureSurfaces(t *testing.T) {
	svc, _, q := newTestService()
	q.err = errors.New("broker down")

	_, err := svc.Create(context.Background(), CreateParams{Code: "x", Language: "python"})
	require.Error(t, err)
}

func TestSweep_ExpiresOverdueOnly(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	now := time.Now().UTC()

	overduePending := core.Task{ID: "overdue-pending", Status: core.TaskPending,
		Language: core.LangPython, CreatedAt: now.Add(-time.Hour), TTL: time.Minute}
	overdueRunning := core.Task{ID: "overdue-running", Status: core.TaskInProgress,
		Language: core.LangPython, CreatedAt: now.Add(-time.Hour), TTL: time.Minute}
	fresh := core.Task{ID: "fresh", Status: core.TaskPending,
		Language: core.LangPython, CreatedAt: now, TTL: time.Hour}
	done := core.Task{ID: "done", Status: core.TaskCompleted,
		Language: core.LangPython, CreatedAt: now.Add(-time.Hour), TTL: time.Minute}
	for _, task := range []core.Task{overduePending, overdueRunning, fresh, done} {
		require.NoError(t, st.CreateTask(ctx, &task))
	}

	sweeper := NewSweeper(svc, time.Second, zap.NewNop())
	expired := sweeper.Tick(ctx)
	assert.Equal(t, 2, expired)

	for id, want := range map[string]core.TaskStatus{
		"overdue-pending": core.TaskExpired,
		"overdue-running": core.TaskExpired,
		"fresh":           core.TaskPending,
		"done":            core.TaskCompleted,
	} {
		got, _ := st.GetTask(ctx, id)
		assert.Equal(t, want, got.Status, "task %s", id)
		if want == core.TaskExpired {
			assert.Equal(t, core.ExpiredMessage, got.ErrorMessage)
		}
	}

	// Second tick finds nothing: expiration is idempotent.
	assert.Equal(t, 0, sweeper.Tick(ctx))
}

func TestCompletedTaskNeverInExpirableSet(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{Code: "x", Language: "python", TTL: 30 * time.Minute})
	require.NoError(t, err)
	_, claimed, _ := svc.Claim(ctx, task.ID, "worker-1")
	require.True(t, claimed)
	ok, err := svc.Complete(ctx, task.ID, "out")
	require.NoError(t, err)
	require.True(t, ok)

	expirable, err := st.GetExpirable(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	for _, e := range expirable {
		assert.NotEqual(t, task.ID, e.ID)
	}
}
