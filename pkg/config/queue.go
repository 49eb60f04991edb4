package config

import "time"

// QueueConfig contains worker pool and batch execution tuning.
type QueueConfig struct {
	// WorkersPerQueue is the number of consumer goroutines per task queue.
	WorkersPerQueue int

	// BatchSize is the number of items processed per logical batch inside
	// one enrichment job.
	BatchSize int

	// MaxConcurrentBatches bounds how many batches of one job run at once.
	MaxConcurrentBatches int

	// DequeueTimeout is the blocking-pop timeout for queue polling. Workers
	// re-check their stop channel at this cadence.
	DequeueTimeout time.Duration

	// LockTTL is the expiry on per-(item, field) update locks.
	LockTTL time.Duration

	// LockRetryInterval is the wait between lock acquisition attempts.
	LockRetryInterval time.Duration

	// LockAcquireTimeout bounds how long a worker waits for an update lock
	// before abandoning the write.
	LockAcquireTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkersPerQueue:         2,
		BatchSize:               5,
		MaxConcurrentBatches:    3,
		DequeueTimeout:          2 * time.Second,
		LockTTL:                 10 * time.Second,
		LockRetryInterval:       100 * time.Millisecond,
		LockAcquireTimeout:      10 * time.Second,
		GracefulShutdownTimeout: 60 * time.Second,
	}
}

// applyEnv overrides defaults from environment variables.
func (c *QueueConfig) applyEnv() error {
	var err error
	if c.WorkersPerQueue, err = getEnvInt("QUEUE_WORKERS_PER_QUEUE", c.WorkersPerQueue); err != nil {
		return err
	}
	if c.BatchSize, err = getEnvInt("QUEUE_BATCH_SIZE", c.BatchSize); err != nil {
		return err
	}
	if c.MaxConcurrentBatches, err = getEnvInt("QUEUE_MAX_CONCURRENT_BATCHES", c.MaxConcurrentBatches); err != nil {
		return err
	}
	if c.DequeueTimeout, err = getEnvDuration("QUEUE_DEQUEUE_TIMEOUT", c.DequeueTimeout); err != nil {
		return err
	}
	if c.LockTTL, err = getEnvDuration("QUEUE_LOCK_TTL", c.LockTTL); err != nil {
		return err
	}
	if c.GracefulShutdownTimeout, err = getEnvDuration("QUEUE_GRACEFUL_SHUTDOWN_TIMEOUT", c.GracefulShutdownTimeout); err != nil {
		return err
	}
	return nil
}
