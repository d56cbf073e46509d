package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/observability"
	"github.com/crucible-run/crucible/internal/queue"
	"github.com/crucible-run/crucible/internal/sandbox"
)

// Lifecycle is the slice of the lifecycle service the dispatcher drives.
type Lifecycle interface {
	Get(ctx context.Context, id string) (core.Task, error)
	Claim(ctx context.Context, id, workerID string) (core.Task, bool, error)
	Complete(ctx context.Context, id, result string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Expire(ctx context.Context, id string) (bool, error)
}

// Scaffolder materializes a build context for one task.
type Scaffolder interface {
	Materialize(uniqueName, sourceCode string, lang core.Language) (string, error)
}

// Executor runs a build context in the sandbox.
type Executor interface {
	Execute(ctx context.Context, lang core.Language, input, contextDir, uniqueName string) (*sandbox.Result, error)
}

// Consumer delivers task ids one at a time.
type Consumer interface {
	Recover(ctx context.Context, consumer string) (int, error)
	Consume(ctx context.Context, consumer string, handler queue.Handler) error
	Depth(ctx context.Context) (int64, error)
}

// Dispatcher is one worker's consume loop: fetch, claim, execute, persist,
// ack. It processes exactly one task at a time; scale-out is more workers.
type Dispatcher struct {
	lc       Lifecycle
	queue    Consumer
	scaffold Scaffolder
	sandbox  Executor
	workerID string
	log      *zap.Logger
	now      func() time.Time
}

func New(lc Lifecycle, q Consumer, sc Scaffolder, sb Executor, workerID string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		lc:       lc,
		queue:    q,
		scaffold: sc,
		sandbox:  sb,
		workerID: workerID,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.queue.Recover(ctx, d.workerID); err != nil {
		return err
	} else if n > 0 {
		d.log.Info("recovered in-flight deliveries", zap.Int("count", n))
	}

	d.log.Info("dispatcher started", zap.String("worker_id", d.workerID))
	err := d.queue.Consume(ctx, d.workerID, d.Handle)
	if errors.Is(err, context.Canceled) {
		d.log.Info("dispatcher stopping")
		return nil
	}
	return err
}

// Handle processes one delivery. A per-task failure is recorded on the task
// and acked; only transport problems requeue the message.
func (d *Dispatcher) Handle(ctx context.Context, taskID string) queue.Ack {
	defer d.refreshQueueDepth(ctx)

	task, err := d.lc.Get(ctx, taskID)
	if err != nil {
		var appErr *core.AppError
		if errors.As(err, &appErr) && appErr.Code == core.ErrNotFound {
			d.log.Warn("dropping id for deleted task", zap.String("task_id", taskID))
			return queue.NackDrop
		}
		d.log.Error("task fetch failed", zap.String("task_id", taskID), zap.Error(err))
		return queue.NackRequeue
	}

	log := observability.TaskLogger(d.log, task.ID, string(task.Language), task.RetryCount)

	task, claimed, err := d.lc.Claim(ctx, taskID, d.workerID)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return queue.NackRequeue
	}
	if !claimed {
		// Duplicate delivery of an already claimed or terminal task; never
		// execute a second time.
		observability.DuplicateDeliveryTotal.Inc()
		log.Info("task not claimable, acking duplicate delivery")
		return queue.AckDone
	}
	log.Info("task claimed")

	remaining := task.Remaining(d.now())
	if remaining <= 0 {
		return d.expire(ctx, task, log)
	}

	start := time.Now()
	observability.ActiveExecutions.Inc()
	defer func() {
		observability.ActiveExecutions.Dec()
		observability.TaskDuration.WithLabelValues(string(task.Language)).Observe(time.Since(start).Seconds())
	}()

	dir, err := d.scaffold.Materialize(task.ID, task.Code, task.Language)
	if err != nil {
		log.Error("scaffold failed", zap.Error(err))
		return d.fail(ctx, task, "scaffold build context: "+err.Error(), log)
	}

	execCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	res, err := d.sandbox.Execute(execCtx, task.Language, task.InputData, dir, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-execution; redeliver rather than record a failure
			// the code did not cause.
			log.Warn("execution aborted by shutdown", zap.Error(err))
			return queue.NackRequeue
		}
		log.Warn("sandbox error", zap.Error(err))
		return d.fail(ctx, task, err.Error(), log)
	}

	switch {
	case res.TimedOut:
		return d.expire(ctx, task, log)
	case res.ErrorMessage != "":
		return d.fail(ctx, task, res.ErrorMessage, log)
	default:
		return d.complete(ctx, task, res.Stdout, log)
	}
}

func (d *Dispatcher) complete(ctx context.Context, task core.Task, result string, log *zap.Logger) queue.Ack {
	ok, err := d.lc.Complete(ctx, task.ID, result)
	if err != nil {
		log.Error("persist completion failed", zap.Error(err))
		return queue.NackRequeue
	}
	if !ok {
		// Lost the terminal race, likely to the sweep. The other writer's
		// outcome stands.
		log.Warn("completion lost terminal race")
		return queue.AckDone
	}
	observability.TaskTotal.WithLabelValues(string(task.Language), string(core.TaskCompleted)).Inc()
	log.Info("task completed")
	return queue.AckDone
}

func (d *Dispatcher) fail(ctx context.Context, task core.Task, errMsg string, log *zap.Logger) queue.Ack {
	ok, err := d.lc.Fail(ctx, task.ID, errMsg)
	if err != nil {
		log.Error("persist failure failed", zap.Error(err))
		return queue.NackRequeue
	}
	if !ok {
		log.Warn("failure lost terminal race")
		return queue.AckDone
	}
	observability.TaskTotal.WithLabelValues(string(task.Language), string(core.TaskFailed)).Inc()
	log.Info("task failed", zap.String("error", errMsg))
	return queue.AckDone
}

func (d *Dispatcher) expire(ctx context.Context, task core.Task, log *zap.Logger) queue.Ack {
	ok, err := d.lc.Expire(ctx, task.ID)
	if err != nil {
		log.Error("persist expiry failed", zap.Error(err))
		return queue.NackRequeue
	}
	if ok {
		observability.TaskTotal.WithLabelValues(string(task.Language), string(core.TaskExpired)).Inc()
		log.Info("task expired")
	}
	return queue.AckDone
}

func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	if depth, err := d.queue.Depth(ctx); err == nil {
		observability.TaskQueueDepth.Set(float64(depth))
	}
}
