package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/observability"
)

// Sweeper periodically expires live tasks whose deadline has passed. It is
// the only expiration path that does not depend on a cooperating worker.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval, log: log}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweep started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick expires every overdue live task once. A failure on one task must not
// block the rest of the batch.
func (s *Sweeper) Tick(ctx context.Context) int {
	start := time.Now()
	defer func() {
		observability.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	tasks, err := s.svc.store.GetExpirable(ctx, s.svc.now())
	if err != nil {
		s.log.Error("sweep query failed", zap.Error(err))
		return 0
	}

	expired := 0
	for _, task := range tasks {
		ok, err := s.svc.Expire(ctx, task.ID)
		if err != nil {
			s.log.Error("sweep expire failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
			observability.SweepExpiredTotal.Inc()
			observability.TaskTotal.WithLabelValues(string(task.Language), "EXPIRED").Inc()
		}
	}
	if len(tasks) > 0 {
		s.log.Info("sweep tick", zap.Int("overdue", len(tasks)), zap.Int("expired", expired))
	}
	return expired
}
