package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/platelens/platelens/pkg/models"
)

// ErrQueueEmpty is returned by Dequeue when no job arrived within the
// blocking-pop timeout.
var ErrQueueEmpty = errors.New("queue empty")

// Queue provides the list-backed work queues, one Redis list per
// enrichment task. Producers LPUSH, consumers BRPOP, so each queue is FIFO.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a Queue on the shared bus client.
func NewQueue(client *Client) *Queue {
	return &Queue{rdb: client.Redis()}
}

// Enqueue serializes the job and pushes it onto its task's queue.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if !job.Task.Valid() {
		return fmt.Errorf("unknown task %q", job.Task)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.TaskID, err)
	}
	if err := q.rdb.LPush(ctx, job.Task.QueueName(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Task.QueueName(), err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for a job on the task's queue.
// Returns ErrQueueEmpty when the timeout elapses without work.
func (q *Queue) Dequeue(ctx context.Context, task models.Task, timeout time.Duration) (*models.Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, task.QueueName()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("dequeue %s: %w", task.QueueName(), err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue %s: unexpected reply of %d elements", task.QueueName(), len(res))
	}

	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job from %s: %w", task.QueueName(), err)
	}
	return &job, nil
}

// Depth returns the number of pending jobs on the task's queue.
func (q *Queue) Depth(ctx context.Context, task models.Task) (int64, error) {
	n, err := q.rdb.LLen(ctx, task.QueueName()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", task.QueueName(), err)
	}
	return n, nil
}
