package services

import (
	"context"
	"fmt"
	"time"

	"mailflow/internal/metrics"
	"mailflow/internal/models"
	"mailflow/pkg/taskqueue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultDelayThreshold is the largest delay the immediate queue accepts;
// longer delays go through the scheduler.
const DefaultDelayThreshold = 900 * time.Second

// TaskQueue is the producer side of pkg/taskqueue.
type TaskQueue interface {
	Push(ctx context.Context, msg taskqueue.Message, delay time.Duration) error
	Schedule(ctx context.Context, name string, msg taskqueue.Message, at time.Time) error
	Status(ctx context.Context) (*taskqueue.Status, error)
}

// Dispatcher accepts tasks for asynchronous execution.
type Dispatcher interface {
	AddTask(ctx context.Context, task models.Task) (string, error)
}

// TaskDispatcher 任务分发：短延迟直接入队，长延迟走延迟执行设施
type TaskDispatcher struct {
	queue     TaskQueue
	threshold time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewTaskDispatcher(queue TaskQueue, threshold time.Duration, logger *logrus.Logger) *TaskDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if threshold <= 0 {
		threshold = DefaultDelayThreshold
	}
	return &TaskDispatcher{queue: queue, threshold: threshold, logger: logger, now: time.Now}
}

// AddTask returns the id of the submitted message. Tasks whose delay exceeds
// the threshold are scheduled under a fresh execution name, so two identical
// tasks are two executions.
func (d *TaskDispatcher) AddTask(ctx context.Context, task models.Task) (string, error) {
	if task.Type == "" {
		return "", fmt.Errorf("%w: task type required", ErrInvalidInput)
	}
	id := uuid.NewString()
	msg := taskqueue.Message{
		ID:         id,
		Type:       task.Type,
		Payload:    task.Payload,
		EnqueuedAt: d.now().UTC(),
	}
	delay := time.Duration(task.DelaySeconds) * time.Second

	if delay > d.threshold {
		name := task.Type + "-" + id
		if err := d.queue.Schedule(ctx, name, msg, d.now().Add(delay)); err != nil {
			return "", fmt.Errorf("schedule %s: %w", name, err)
		}
		metrics.IncTaskDispatched(task.Type, "scheduler")
		d.logger.WithFields(logrus.Fields{"task": task.Type, "id": id, "delay": delay}).Debug("task scheduled")
		return id, nil
	}

	if err := d.queue.Push(ctx, msg, delay); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	metrics.IncTaskDispatched(task.Type, "queue")
	d.logger.WithFields(logrus.Fields{"task": task.Type, "id": id, "delay": delay}).Debug("task enqueued")
	return id, nil
}

// GetQueueStatus 返回近似队列状态（最终一致）
func (d *TaskDispatcher) GetQueueStatus(ctx context.Context) (*taskqueue.Status, error) {
	return d.queue.Status(ctx)
}
