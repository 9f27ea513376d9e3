package task

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"smallbiznis-messaging/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	require.Equal(t, 3*time.Second, Backoff(3*time.Second, 0))
	require.Equal(t, 6*time.Second, Backoff(3*time.Second, 1))
	require.Equal(t, 24*time.Second, Backoff(3*time.Second, 3))
	require.Equal(t, 3*time.Second, Backoff(3*time.Second, -2))
	require.Equal(t, time.Hour, Backoff(3*time.Second, 20))
	require.Equal(t, time.Hour, Backoff(3*time.Second, 200))
}

func TestRetryDelay(t *testing.T) {
	err := errors.New("provider call: 503")

	bulk := asynq.NewTask(taskname.CampaignBulkSend, nil)
	require.Equal(t, 12*time.Second, RetryDelay(2, err, bulk))

	single := asynq.NewTask(taskname.CampaignSingleSend, nil)
	require.Equal(t, 3*time.Second, RetryDelay(0, err, single))

	repair := asynq.NewTask(taskname.CampaignPersistRepair, nil)
	require.Equal(t, 10*time.Second, RetryDelay(1, err, repair))

	check := asynq.NewTask(taskname.CampaignDeliveryCheck, nil)
	require.Equal(t, 5*time.Second, RetryDelay(7, err, check))

	other := asynq.NewTask(taskname.CampaignReconcile, nil)
	require.Positive(t, RetryDelay(1, err, other))
}

func TestIsDuplicate(t *testing.T) {
	require.True(t, IsDuplicate(asynq.ErrTaskIDConflict))
	require.True(t, IsDuplicate(fmt.Errorf("failed to enqueue task: %w", asynq.ErrTaskIDConflict)))
	require.True(t, IsDuplicate(asynq.ErrDuplicateTask))
	require.False(t, IsDuplicate(errors.New("redis: connection refused")))
	require.False(t, IsDuplicate(nil))
}

func TestIsDead(t *testing.T) {
	require.True(t, IsDead(&asynq.TaskInfo{State: asynq.TaskStateArchived}))
	require.True(t, IsDead(&asynq.TaskInfo{State: asynq.TaskStateCompleted}))
	require.False(t, IsDead(&asynq.TaskInfo{State: asynq.TaskStatePending}))
	require.False(t, IsDead(&asynq.TaskInfo{State: asynq.TaskStateRetry}))
	require.False(t, IsDead(nil))
}
