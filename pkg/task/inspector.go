package task

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
)

const inspectPageSize = 500

// Inspector answers whether the queue still holds work matching a predicate
// and exposes single task lookups for ids that are already taken.
type Inspector interface {
	HasInflight(ctx context.Context, match func(*asynq.TaskInfo) bool) (bool, error)
	GetTaskInfo(ctx context.Context, queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(ctx context.Context, queue, id string) error
}

type inspectorImpl struct {
	inspector *asynq.Inspector
}

func NewInspector(inspector *asynq.Inspector) Inspector {
	return &inspectorImpl{inspector: inspector}
}

// HasInflight scans active, pending, scheduled and retry tasks of every queue.
func (i *inspectorImpl) HasInflight(ctx context.Context, match func(*asynq.TaskInfo) bool) (bool, error) {
	queues, err := i.inspector.Queues()
	if err != nil {
		return false, err
	}

	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		i.inspector.ListActiveTasks,
		i.inspector.ListPendingTasks,
		i.inspector.ListScheduledTasks,
		i.inspector.ListRetryTasks,
	}

	for _, queue := range queues {
		for _, list := range listers {
			for page := 1; ; page++ {
				if err := ctx.Err(); err != nil {
					return false, err
				}

				tasks, err := list(queue, asynq.PageSize(inspectPageSize), asynq.Page(page))
				if err != nil {
					if errors.Is(err, asynq.ErrQueueNotFound) {
						break
					}
					return false, err
				}

				for _, t := range tasks {
					if match(t) {
						return true, nil
					}
				}

				if len(tasks) < inspectPageSize {
					break
				}
			}
		}
	}

	return false, nil
}

func (i *inspectorImpl) GetTaskInfo(ctx context.Context, queue, id string) (*asynq.TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return i.inspector.GetTaskInfo(queue, id)
}

func (i *inspectorImpl) DeleteTask(ctx context.Context, queue, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.inspector.DeleteTask(queue, id)
}

// IsDead reports whether a task will never run again on its own, so its id
// can be freed for a fresh copy.
func IsDead(info *asynq.TaskInfo) bool {
	if info == nil {
		return false
	}
	return info.State == asynq.TaskStateArchived || info.State == asynq.TaskStateCompleted
}
