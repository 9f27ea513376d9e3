package reconcile

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Minute

// Scheduler enqueues one sweep task per interval. The task id is derived from
// the interval slot, so several worker processes share a single sweep.
type Scheduler struct {
	enqueuer task.Enqueuer
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config) *Scheduler {
	interval := cfg.Reconcile.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{enqueuer: enqueuer, interval: interval, now: time.Now}
}

// StartScheduler runs the loop for the lifetime of the fx app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started reconcile scheduler", zap.Duration("interval", s.interval))

	for {
		now := s.now()
		next := now.Truncate(s.interval).Add(s.interval)

		select {
		case <-time.After(next.Sub(now)):
			if _, err := s.Tick(ctx); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue reconcile sweep", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// Tick enqueues the sweep for the current slot. It reports false when another
// process already did.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	slot := s.now().Truncate(s.interval).Unix()

	t, err := jobs.NewTask(jobs.ReconcilePayload{})
	if err != nil {
		return false, err
	}

	_, err = s.enqueuer.Enqueue(ctx, t,
		asynq.TaskID(fmt.Sprintf("campaign:reconcile:sweep:%d", slot)),
		asynq.MaxRetry(1),
		asynq.Queue(taskname.QueueLow),
		asynq.Timeout(s.interval),
	)
	switch {
	case err == nil:
		return true, nil
	case task.IsDuplicate(err):
		return false, nil
	default:
		return false, err
	}
}
