// Package worker consumes the enrichment task queues: a fixed pool of
// consumers per queue, each driving dequeued jobs through the task runner.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/platelens/platelens/pkg/bus"
	"github.com/platelens/platelens/pkg/config"
	"github.com/platelens/platelens/pkg/models"
)

// JobRunner executes one dequeued enrichment job.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) error
}

// JobSource dequeues jobs from a task queue.
type JobSource interface {
	Dequeue(ctx context.Context, task models.Task, timeout time.Duration) (*models.Job, error)
	Depth(ctx context.Context, task models.Task) (int64, error)
}

// Pool runs WorkersPerQueue consumers for each enrichment task queue.
type Pool struct {
	podID    string
	queue    JobSource
	runner   JobRunner
	config  *config.QueueConfig
	workers []*Worker
	started bool
}

// NewPool creates a worker pool. podID distinguishes this process in logs
// and worker identifiers.
func NewPool(podID string, queue JobSource, runner JobRunner, cfg *config.QueueConfig) *Pool {
	return &Pool{
		podID:   podID,
		queue:   queue,
		runner:  runner,
		config:  cfg,
		workers: make([]*Worker, 0, cfg.WorkersPerQueue*len(models.AllTasks)),
	}
}

// Start spawns the consumer goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"queues", len(models.AllTasks),
		"workers_per_queue", p.config.WorkersPerQueue)

	for _, task := range models.AllTasks {
		for i := 0; i < p.config.WorkersPerQueue; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", p.podID, task, i)
			worker := NewWorker(workerID, task, p.queue, p.runner, p.config)
			p.workers = append(p.workers, worker)
			worker.Start(ctx)
		}
	}

	slog.Info("Worker pool started", "worker_count", len(p.workers))
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs (graceful shutdown).
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped gracefully")
}

// PoolHealth is the health snapshot of the pool and its queues.
type PoolHealth struct {
	PodID       string                `json:"pod_id"`
	WorkerCount int                   `json:"worker_count"`
	Workers     []WorkerHealth        `json:"workers"`
	QueueDepths map[models.Task]int64 `json:"queue_depths"`
}

// Health reports per-worker state and current queue depths.
func (p *Pool) Health(ctx context.Context) PoolHealth {
	health := PoolHealth{
		PodID:       p.podID,
		WorkerCount: len(p.workers),
		Workers:     make([]WorkerHealth, 0, len(p.workers)),
		QueueDepths: make(map[models.Task]int64, len(models.AllTasks)),
	}
	for _, worker := range p.workers {
		health.Workers = append(health.Workers, worker.Health())
	}
	for _, task := range models.AllTasks {
		depth, err := p.queue.Depth(ctx, task)
		if err != nil {
			slog.Warn("Failed to read queue depth", "task", task, "error", err)
			depth = -1
		}
		health.QueueDepths[task] = depth
	}
	return health
}

var _ JobSource = (*bus.Queue)(nil)
