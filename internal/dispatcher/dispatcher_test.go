package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/queue"
	"github.com/crucible-run/crucible/internal/sandbox"
)

type fakeLifecycle struct {
	task       core.Task
	getErr     error
	claimable  bool
	claimErr   error
	completed  *string
	failed     *string
	expired    bool
	persistOK  bool
	persistErr error
}

func (f *fakeLifecycle) Get(_ context.Context, id string) (core.Task, error) {
	return f.task, f.getErr
}

func (f *fakeLifecycle) Claim(_ context.Context, id, workerID string) (core.Task, bool, error) {
	if f.claimErr != nil || !f.claimable {
		return core.Task{}, false, f.claimErr
	}
	t := f.task
	t.Status = core.TaskInProgress
	t.WorkerID = workerID
	return t, true, nil
}

func (f *fakeLifecycle) Complete(_ context.Context, id, result string) (bool, error) {
	f.completed = &result
	return f.persistOK, f.persistErr
}

func (f *fakeLifecycle) Fail(_ context.Context, id, errMsg string) (bool, error) {
	f.failed = &errMsg
	return f.persistOK, f.persistErr
}

func (f *fakeLifecycle) Expire(_ context.Context, id string) (bool, error) {
	f.expired = true
	return f.persistOK, f.persistErr
}

type fakeConsumer struct{}

func (fakeConsumer) Recover(context.Context, string) (int, error)         { return 0, nil }
func (fakeConsumer) Consume(context.Context, string, queue.Handler) error { return nil }
func (fakeConsumer) Depth(context.Context) (int64, error)                 { return 0, nil }

type fakeScaffolder struct {
	dir string
	err error
}

func (f *fakeScaffolder) Materialize(name, code string, lang core.Language) (string, error) {
	return f.dir, f.err
}

type fakeExecutor struct {
	res      *sandbox.Result
	err      error
	executed int
}

func (f *fakeExecutor) Execute(ctx context.Context, lang core.Language, input, dir, name string) (*sandbox.Result, error) {
	f.executed++
	return f.res, f.err
}

func liveTask(ttl time.Duration) core.Task {
	return core.Task{
		ID:        "task-1",
		Code:      "print(42)",
		Language:  core.LangPython,
		Status:    core.TaskPending,
		CreatedAt: time.Now().UTC(),
		TTL:       ttl,
	}
}

func newTestDispatcher(lc *fakeLifecycle, ex *fakeExecutor) *Dispatcher {
	return New(lc, fakeConsumer{}, &fakeScaffolder{dir: "/tmp/ctx"}, ex, "worker-1", zap.NewNop())
}

func TestHandle_HappyPath(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{res: &sandbox.Result{Stdout: "42\n"}}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	assert.Equal(t, 1, ex.executed)
	require.NotNil(t, lc.completed)
	assert.Equal(t, "42\n", *lc.completed)
	assert.Nil(t, lc.failed)
}

func TestHandle_MissingTaskDropped(t *testing.T) {
	lc := &fakeLifecycle{getErr: core.NewAppError(core.ErrNotFound, "task not found")}
	ex := &fakeExecutor{}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.NackDrop, ack)
	assert.Equal(t, 0, ex.executed)
}

func TestHandle_StoreErrorRequeues(t *testing.T) {
	lc := &fakeLifecycle{getErr: errors.New("db down")}
	d := newTestDispatcher(lc, &fakeExecutor{})

	assert.Equal(t, queue.NackRequeue, d.Handle(context.Background(), "task-1"))
}

func TestHandle_DuplicateDeliveryNeverExecutes(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: false, persistOK: true}
	ex := &fakeExecutor{res: &sandbox.Result{Stdout: "x"}}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	assert.Equal(t, 0, ex.executed, "redelivery must not re-execute")
	assert.Nil(t, lc.completed)
}

func TestHandle_ExpiredBudgetSkipsSandbox(t *testing.T) {
	task := liveTask(time.Minute)
	task.CreatedAt = time.Now().UTC().Add(-time.Hour)
	lc := &fakeLifecycle{task: task, claimable: true, persistOK: true}
	ex := &fakeExecutor{}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	assert.Equal(t, 0, ex.executed)
	assert.True(t, lc.expired)
}

func TestHandle_SandboxTimeoutExpires(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{res: &sandbox.Result{TimedOut: true, ErrorMessage: core.ExpiredMessage}}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	assert.True(t, lc.expired)
	assert.Nil(t, lc.failed, "timeout maps to EXPIRED, never FAILED")
}

func TestHandle_RuntimeErrorFails(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{res: &sandbox.Result{ExitCode: 1, ErrorMessage: "exited with code 1: Traceback"}}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack, "handled failure is still acked")
	require.NotNil(t, lc.failed)
	assert.Contains(t, *lc.failed, "exited with code 1")
}

func TestHandle_BuildErrorFails(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{err: &sandbox.BuildError{Image: "crucible/task:task-1", Stderr: "CS1002"}}
	d := newTestDispatcher(lc, ex)

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	require.NotNil(t, lc.failed)
	assert.Contains(t, *lc.failed, "CS1002")
}

func TestHandle_ShutdownRequeuesInFlight(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{err: context.Canceled}
	d := newTestDispatcher(lc, ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack := d.Handle(ctx, "task-1")

	assert.Equal(t, queue.NackRequeue, ack)
	assert.Nil(t, lc.failed, "a shutdown is not the task's failure")
	assert.False(t, lc.expired)
}

func TestHandle_PersistFailureRequeues(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistErr: errors.New("db down")}
	ex := &fakeExecutor{res: &sandbox.Result{Stdout: "out"}}
	d := newTestDispatcher(lc, ex)

	assert.Equal(t, queue.NackRequeue, d.Handle(context.Background(), "task-1"))
}

func TestHandle_LostTerminalRaceAcks(t *testing.T) {
	// Sweep expired the task while it ran; completion matches zero rows.
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: false}
	ex := &fakeExecutor{res: &sandbox.Result{Stdout: "out"}}
	d := newTestDispatcher(lc, ex)

	assert.Equal(t, queue.AckDone, d.Handle(context.Background(), "task-1"))
}

func TestResolveWorkerID_StableAcrossRestarts(t *testing.T) {
	cfg := Config{}
	first := cfg.ResolveWorkerID()
	second := cfg.ResolveWorkerID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second,
		"default worker id must survive a restart, or the old processing list is never drained")

	cfg.WorkerID = "worker-7"
	assert.Equal(t, "worker-7", cfg.ResolveWorkerID())
}

func TestHandle_ScaffoldErrorFailsTask(t *testing.T) {
	lc := &fakeLifecycle{task: liveTask(time.Minute), claimable: true, persistOK: true}
	ex := &fakeExecutor{}
	d := New(lc, fakeConsumer{}, &fakeScaffolder{err: errors.New("disk full")}, ex, "worker-1", zap.NewNop())

	ack := d.Handle(context.Background(), "task-1")

	assert.Equal(t, queue.AckDone, ack)
	assert.Equal(t, 0, ex.executed)
	require.NotNil(t, lc.failed)
	assert.Contains(t, *lc.failed, "disk full")
}
