package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/platelens/platelens/pkg/bus"
	"github.com/platelens/platelens/pkg/config"
	"github.com/platelens/platelens/pkg/models"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Task          models.Task  `json:"task"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Worker is a single consumer bound to one task queue.
type Worker struct {
	id       string
	task     models.Task
	queue    JobSource
	runner   JobRunner
	config   *config.QueueConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentTaskID string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a consumer for one task queue.
func NewWorker(id string, task models.Task, queue JobSource, runner JobRunner, cfg *config.QueueConfig) *Worker {
	return &Worker{
		id:           id,
		task:         task,
		queue:        queue,
		runner:       runner,
		config:       cfg,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Task:          w.task,
		Status:        w.status,
		CurrentTaskID: w.currentTaskID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop. The blocking dequeue doubles as the poll
// interval: the worker re-checks its stop channel every DequeueTimeout.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "queue", w.task.QueueName())
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, bus.ErrQueueEmpty) {
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess waits for one job and runs it to completion.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.queue.Dequeue(ctx, w.task, w.config.DequeueTimeout)
	if err != nil {
		return err
	}

	log := slog.With("worker_id", w.id, "task_id", job.TaskID, "session_id", job.SessionID)
	log.Info("Job claimed", "item_count", len(job.Items))

	w.setStatus(WorkerStatusWorking, job.TaskID)
	defer w.setStatus(WorkerStatusIdle, "")

	// The job keeps running to completion during graceful shutdown; only
	// process exit cancels it.
	if err := w.runner.Run(ctx, job); err != nil {
		log.Error("Job failed", "error", err)
		return nil
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job completed")
	return nil
}

func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
