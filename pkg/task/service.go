package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"smallbiznis-messaging/pkg/taskname"

	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// IsDuplicate reports whether an enqueue failed only because a task with the
// same id (or unique lock) is already held by the queue.
func IsDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// RetryDelay is exponential for send and repair tasks and asynq's default for
// everything else.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	switch t.Type() {
	case taskname.CampaignBulkSend, taskname.CampaignSingleSend:
		return Backoff(3*time.Second, n)
	case taskname.CampaignPersistRepair:
		return Backoff(5*time.Second, n)
	case taskname.CampaignDeliveryCheck:
		return 5 * time.Second
	default:
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}

// Backoff returns base * 2^n capped at one hour.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(n)))
	if d <= 0 || d > time.Hour {
		return time.Hour
	}
	return d
}
