// Package asynqadp adapts the hibiken/asynq Redis queue to the pipeline
// domain: the server enqueues run tasks, the worker consumes them.
package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// TaskPipelineRun is the task type for one discovery job execution.
const TaskPipelineRun = "pipeline:run"

// Queue is the producer side.
type Queue struct{ client *asynq.Client }

// New builds a producer from a redis address and optional password.
func New(redisAddr, redisPassword string) *Queue {
	return &Queue{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, Password: redisPassword})}
}

// EnqueueRun enqueues one job execution. The task id is the job id, so a
// duplicate enqueue for the same job is a no-op rather than a second run.
func (q *Queue) EnqueueRun(ctx context.Context, p domain.RunTaskPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=queue.marshal: %w", err)
	}
	t := asynq.NewTask(TaskPipelineRun, b)
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(6*time.Hour),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return p.JobID, nil
		}
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob("pipeline_run")
	return info.ID, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error { return q.client.Close() }
