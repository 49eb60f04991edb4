// Package enrich runs the per-item enrichment tasks: batched parallel
// execution of provider calls, lock-guarded persistence, and the progress
// and menu_update events observers consume.
package enrich

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
)

// EventSink is the subset of the event publisher the executor needs.
type EventSink interface {
	PublishProgressUpdate(ctx context.Context, sessionID string, payload events.ProgressUpdatePayload) error
	PublishMenuUpdate(ctx context.Context, sessionID string, payload events.MenuUpdatePayload) error
	PublishError(ctx context.Context, sessionID string, payload events.ErrorPayload) error
	PublishBatchCompleted(ctx context.Context, sessionID string, task models.Task, payload events.BatchCompletedPayload) error
}

// ProcessFunc invokes the provider capability for one item and returns the
// task-specific menu_data payload for the resulting menu_update event.
type ProcessFunc func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error)

// PersistFunc writes one item's result. A false return means the write was
// abandoned (lock timeout, item never became visible); the item counts as
// failed but execution continues.
type PersistFunc func(ctx context.Context, item models.ItemDescriptor, result map[string]any) bool

// BatchExecutor partitions items into batches and runs them with bounded
// concurrency: at most MaxConcurrentBatches batches in flight, all items
// within a batch in parallel. No ordering is guaranteed between items,
// batches, or tasks; observers merge menu_update events by item identifier.
type BatchExecutor struct {
	TaskName             string
	BatchSize            int
	MaxConcurrentBatches int
	Process              ProcessFunc
	Persist              PersistFunc
	Events               EventSink
}

// Summary is the outcome of one Execute call.
type Summary struct {
	Total     int
	Completed int
	Failed    int
}

// SuccessRate returns completed/total as a fraction in [0, 1].
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// Execute runs the task over all items and returns the summary. Per-item
// failures publish error events and are counted; they never abort the run.
func (e *BatchExecutor) Execute(ctx context.Context, sessionID string, items []models.ItemDescriptor) Summary {
	total := len(items)
	log := slog.With("task", e.TaskName, "session_id", sessionID)

	if err := e.Events.PublishProgressUpdate(ctx, sessionID, events.ProgressUpdatePayload{
		TaskName: e.TaskName,
		Status:   events.ProgressStatusStarted,
		ProgressData: map[string]any{
			"total_items": total,
			"batch_size":  e.BatchSize,
		},
	}); err != nil {
		log.Warn("Failed to publish start progress", "error", err)
	}

	var completed, failed atomic.Int64

	sem := semaphore.NewWeighted(int64(e.MaxConcurrentBatches))
	var wg sync.WaitGroup
	for start := 0; start < total; start += e.BatchSize {
		end := start + e.BatchSize
		if end > total {
			end = total
		}
		batch := items[start:end]

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled mid-run; remaining items count as failed.
			failed.Add(int64(total - start))
			break
		}
		wg.Add(1)
		go func(batch []models.ItemDescriptor) {
			defer wg.Done()
			defer sem.Release(1)
			e.runBatch(ctx, sessionID, batch, &completed, &failed)
		}(batch)
	}
	wg.Wait()

	summary := Summary{
		Total:     total,
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
	}

	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(summary.Completed) * 100 / float64(total)))
	}
	if err := e.Events.PublishProgressUpdate(ctx, sessionID, events.ProgressUpdatePayload{
		TaskName: e.TaskName,
		Status:   events.ProgressStatusCompleted,
		ProgressData: map[string]any{
			"completed_items": summary.Completed,
			"total_items":     total,
			"progress":        percent,
		},
	}); err != nil {
		log.Warn("Failed to publish completion progress", "error", err)
	}

	log.Info("Batch execution finished",
		"completed", summary.Completed, "failed", summary.Failed, "total", total)
	return summary
}

// runBatch processes every item of one batch concurrently.
func (e *BatchExecutor) runBatch(ctx context.Context, sessionID string, batch []models.ItemDescriptor, completed, failed *atomic.Int64) {
	var wg sync.WaitGroup
	for _, item := range batch {
		wg.Add(1)
		go func(item models.ItemDescriptor) {
			defer wg.Done()
			if e.runItem(ctx, sessionID, item) {
				completed.Add(1)
			} else {
				failed.Add(1)
			}
		}(item)
	}
	wg.Wait()
}

// runItem drives one item through process, persist, and the menu_update
// event. Returns whether the item completed.
func (e *BatchExecutor) runItem(ctx context.Context, sessionID string, item models.ItemDescriptor) bool {
	result, err := e.Process(ctx, item)
	if err != nil {
		slog.Warn("Item processing failed",
			"task", e.TaskName, "session_id", sessionID, "item_id", item.ID, "error", err)
		if pubErr := e.Events.PublishError(ctx, sessionID, events.ErrorPayload{
			ErrorType:    events.ErrorKindTaskItemFailed,
			ErrorMessage: err.Error(),
			TaskName:     e.TaskName,
		}); pubErr != nil {
			slog.Warn("Failed to publish item error event", "task", e.TaskName, "error", pubErr)
		}
		return false
	}

	if !e.Persist(ctx, item, result) {
		slog.Warn("Item persistence abandoned",
			"task", e.TaskName, "session_id", sessionID, "item_id", item.ID)
		return false
	}

	if err := e.Events.PublishMenuUpdate(ctx, sessionID, events.MenuUpdatePayload{
		MenuID:   item.ID,
		MenuData: result,
	}); err != nil {
		// The row is already written; the observer catches up via the item
		// endpoint, so the item still counts as completed.
		slog.Warn("Failed to publish menu update",
			"task", e.TaskName, "session_id", sessionID, "item_id", item.ID, "error", err)
	}
	return true
}
