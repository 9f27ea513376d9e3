package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// EnqueuedTask is one task accepted by RecordingEnqueuer.
type EnqueuedTask struct {
	Task      *asynq.Task
	TaskID    string
	Queue     string
	MaxRetry  int
	ProcessIn time.Duration
}

// RecordingEnqueuer keeps accepted tasks in memory and rejects a task id it
// already holds with asynq.ErrTaskIDConflict, like the real queue does.
type RecordingEnqueuer struct {
	mu    sync.Mutex
	tasks []EnqueuedTask
	ids   map[string]struct{}

	// EnqueueFn, when set, runs first; a non-nil error is returned as is.
	EnqueueFn func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error
}

func NewRecordingEnqueuer() *RecordingEnqueuer {
	return &RecordingEnqueuer{ids: make(map[string]struct{})}
}

func (e *RecordingEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.EnqueueFn != nil {
		if err := e.EnqueueFn(ctx, task, opts...); err != nil {
			return nil, err
		}
	}

	rec := EnqueuedTask{Task: task, Queue: "default"}
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			rec.TaskID, _ = opt.Value().(string)
		case asynq.QueueOpt:
			rec.Queue, _ = opt.Value().(string)
		case asynq.MaxRetryOpt:
			rec.MaxRetry, _ = opt.Value().(int)
		case asynq.ProcessInOpt:
			rec.ProcessIn, _ = opt.Value().(time.Duration)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.TaskID != "" {
		if _, ok := e.ids[rec.TaskID]; ok {
			return nil, fmt.Errorf("failed to enqueue task: %w", asynq.ErrTaskIDConflict)
		}
		e.ids[rec.TaskID] = struct{}{}
	}
	e.tasks = append(e.tasks, rec)

	return &asynq.TaskInfo{ID: rec.TaskID, Queue: rec.Queue, Type: task.Type(), Payload: task.Payload()}, nil
}

// Tasks returns accepted tasks, optionally filtered by type.
func (e *RecordingEnqueuer) Tasks(taskType ...string) []EnqueuedTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(taskType) == 0 {
		return append([]EnqueuedTask(nil), e.tasks...)
	}

	var out []EnqueuedTask
	for _, t := range e.tasks {
		for _, want := range taskType {
			if t.Task.Type() == want {
				out = append(out, t)
			}
		}
	}
	return out
}

// Drain forgets accepted tasks, as if workers had completed them.
func (e *RecordingEnqueuer) Drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = nil
	e.ids = make(map[string]struct{})
}

// Forget drops one task id, as if the queue had deleted the task.
func (e *RecordingEnqueuer) Forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ids, taskID)
	kept := e.tasks[:0]
	for _, t := range e.tasks {
		if t.TaskID != taskID {
			kept = append(kept, t)
		}
	}
	e.tasks = kept
}
