// Package pipeline drives the three sequential frontend stages over an
// uploaded menu image and fans the resulting items out onto the enrichment
// queues.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
	"github.com/platelens/platelens/pkg/providers"
)

// SessionWriter is the subset of the session store the coordinator needs.
type SessionWriter interface {
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	Upsert(ctx context.Context, session *models.Session) error
	UpdateStage(ctx context.Context, sessionID, stageKey string, payload any, currentStage string) error
	UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	AppendItemIDs(ctx context.Context, sessionID string, itemIDs []string) error
}

// ItemWriter is the subset of the item store the coordinator needs.
type ItemWriter interface {
	BulkSave(ctx context.Context, items []*models.MenuItem) ([]*models.MenuItem, error)
}

// EventPublisher is the subset of the event publisher the coordinator needs.
type EventPublisher interface {
	PublishProgressUpdate(ctx context.Context, sessionID string, payload events.ProgressUpdatePayload) error
	PublishStageCompleted(ctx context.Context, sessionID string, payload events.StageCompletedPayload) (bool, error)
	PublishError(ctx context.Context, sessionID string, payload events.ErrorPayload) error
	PublishParallelTasksStarted(ctx context.Context, sessionID string, payload events.ParallelTasksStartedPayload) error
}

// JobEnqueuer pushes enrichment jobs onto the task queues.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Progress hints published at stage entry. Monotonic but not proportional
// to actual work.
var stageProgress = map[string]int{
	models.StageKeyOCR:        20,
	models.StageKeyMapping:    40,
	models.StageKeyCategorize: 60,
}

// Result summarizes one accepted submission.
type Result struct {
	SessionID string            `json:"session_id"`
	Status    string            `json:"status"`
	ItemCount int               `json:"item_count"`
	TaskIDs   map[string]string `json:"task_ids,omitempty"`
}

// Coordinator runs the frontend pipeline: OCR, spatial formatting, and
// categorization in sequence, persisting per-stage state and publishing an
// event at each boundary, then enqueues the per-item enrichment jobs.
type Coordinator struct {
	sessions SessionWriter
	items    ItemWriter
	events   EventPublisher
	queue    JobEnqueuer
	ocr      providers.OCR
	cat      providers.Categorizer
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(sessions SessionWriter, items ItemWriter, sink EventPublisher, queue JobEnqueuer, set *providers.Set) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		items:    items,
		events:   sink,
		queue:    queue,
		ocr:      set.OCR,
		cat:      set.Categorizer,
	}
}

// Process runs the full frontend pipeline for one uploaded image. On
// success the session is COMPLETED and the enrichment jobs are enqueued;
// worker progress is observed through the event stream, not this call.
func (c *Coordinator) Process(ctx context.Context, sessionID string, image []byte, filename string) (*Result, error) {
	if err := validateSubmission(sessionID, image); err != nil {
		return nil, err
	}
	if err := c.guardDuplicate(ctx, sessionID); err != nil {
		return nil, err
	}

	log := slog.With("session_id", sessionID, "filename", filename)
	log.Info("Pipeline started", "image_bytes", len(image))

	ocrResult, err := c.runOCRStage(ctx, sessionID, image)
	if err != nil {
		return nil, c.failStage(ctx, sessionID, models.StageKeyOCR, err)
	}

	mapping, err := c.runMappingStage(ctx, sessionID, ocrResult.Elements)
	if err != nil {
		return nil, c.failStage(ctx, sessionID, models.StageKeyMapping, err)
	}

	items, broadcast, err := c.runCategorizeStage(ctx, sessionID, mapping.FormattedText)
	if err != nil {
		return nil, c.failStage(ctx, sessionID, models.StageKeyCategorize, err)
	}

	result := &Result{SessionID: sessionID, ItemCount: len(items)}

	switch {
	case !broadcast:
		// Observers never learned of the items, so enrichment events would
		// go nowhere. Suppress fan-out; the session still completes.
		log.Warn("Stage broadcast had no receivers, suppressing enrichment fan-out")
		if pubErr := c.events.PublishError(ctx, sessionID, events.ErrorPayload{
			ErrorType:    events.ErrorKindSSEBroadcastFailed,
			ErrorMessage: "categorization broadcast reached no subscribers; enrichment skipped",
		}); pubErr != nil {
			log.Warn("Failed to publish broadcast-failure event", "error", pubErr)
		}
	case len(items) == 0:
		log.Warn("Categorization produced no items, nothing to enrich")
	default:
		result.TaskIDs = c.fanOut(ctx, sessionID, items)
	}

	if err := c.sessions.UpdateStatus(ctx, sessionID, models.SessionStatusCompleted); err != nil {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	result.Status = string(models.SessionStatusCompleted)

	log.Info("Pipeline completed", "item_count", len(items), "fanned_out", result.TaskIDs != nil)
	return result, nil
}

// validateSubmission checks the submission preconditions.
func validateSubmission(sessionID string, image []byte) error {
	if strings.TrimSpace(sessionID) == "" {
		return NewValidationError("session_id", "must not be empty")
	}
	if len(image) == 0 {
		return NewValidationError("image", "must not be empty")
	}
	if contentType := http.DetectContentType(image); !strings.HasPrefix(contentType, "image/") {
		return NewValidationError("image", fmt.Sprintf("unsupported content type %s", contentType))
	}
	return nil
}

// guardDuplicate enforces the duplicate-submission rules and claims the
// session with status PROCESSING.
func (c *Coordinator) guardDuplicate(ctx context.Context, sessionID string) error {
	existing, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if existing != nil {
		switch existing.Status {
		case models.SessionStatusProcessing:
			return fmt.Errorf("session %s: %w", sessionID, ErrDuplicateProcessing)
		case models.SessionStatusCompleted:
			return fmt.Errorf("session %s: %w", sessionID, ErrAlreadyCompleted)
		}
		// FAILED or PENDING: the upsert below restarts the session,
		// preserving created_at.
	}

	return c.sessions.Upsert(ctx, &models.Session{
		ID:           sessionID,
		Status:       models.SessionStatusProcessing,
		CurrentStage: models.StageInitialized,
	})
}

// runOCRStage extracts positioned text from the image.
func (c *Coordinator) runOCRStage(ctx context.Context, sessionID string, image []byte) (*models.OCRStageResult, error) {
	c.publishStageProgress(ctx, sessionID, models.StageKeyOCR)

	elements, err := c.ocr.Extract(ctx, image, providers.GranularityParagraph)
	if err != nil {
		return nil, fmt.Errorf("ocr extraction: %w", err)
	}

	result := &models.OCRStageResult{
		Elements: elements,
		Count:    len(elements),
		Density:  models.DensityCategory(len(elements)),
	}
	if err := c.sessions.UpdateStage(ctx, sessionID, models.StageKeyOCR, result, models.StageOCRCompleted); err != nil {
		return nil, err
	}

	c.publishStageCompleted(ctx, sessionID, models.StageKeyOCR, map[string]any{
		"element_count": result.Count,
		"density":       result.Density,
	})
	return result, nil
}

// runMappingStage builds the spatial layout text from the OCR elements.
func (c *Coordinator) runMappingStage(ctx context.Context, sessionID string, elements []models.OCRElement) (*models.MappingStageResult, error) {
	c.publishStageProgress(ctx, sessionID, models.StageKeyMapping)

	result := FormatElements(elements)
	if err := c.sessions.UpdateStage(ctx, sessionID, models.StageKeyMapping, result, models.StageMappingCompleted); err != nil {
		return nil, err
	}

	c.publishStageCompleted(ctx, sessionID, models.StageKeyMapping, map[string]any{
		"row_count":     result.RowCount,
		"element_count": result.ElementCount,
	})
	return &result, nil
}

// runCategorizeStage turns the formatted text into menu items and persists
// them in one batch. The returned broadcast flag is the fan-out gate: it is
// true only when the stage_completed publish reached at least one
// subscriber, a post-commit acknowledgement that the item rows are
// durably visible to observers.
func (c *Coordinator) runCategorizeStage(ctx context.Context, sessionID, formattedText string) ([]*models.MenuItem, bool, error) {
	c.publishStageProgress(ctx, sessionID, models.StageKeyCategorize)

	menu, err := c.cat.Categorize(ctx, formattedText, providers.GranularityParagraph)
	if err != nil {
		return nil, false, fmt.Errorf("categorization: %w", err)
	}

	candidates := buildMenuItems(sessionID, menu)
	inserted, err := c.items.BulkSave(ctx, candidates)
	if err != nil {
		return nil, false, fmt.Errorf("save menu items: %w", err)
	}

	itemIDs := make([]string, 0, len(inserted))
	for _, item := range inserted {
		itemIDs = append(itemIDs, item.ID)
	}
	if err := c.sessions.AppendItemIDs(ctx, sessionID, itemIDs); err != nil {
		return nil, false, err
	}

	result := &models.CategorizeStageResult{
		Menu:          *menu,
		CategoryCount: len(menu.Menu.Categories),
		ItemCount:     len(inserted),
		MenuItemIDs:   itemIDs,
	}
	if err := c.sessions.UpdateStage(ctx, sessionID, models.StageKeyCategorize, result, models.StageCategorizeComplete); err != nil {
		return nil, false, err
	}

	broadcast, err := c.events.PublishStageCompleted(ctx, sessionID, events.StageCompletedPayload{
		Stage: models.StageKeyCategorize,
		CompletionData: map[string]any{
			"category_count": result.CategoryCount,
			"item_count":     result.ItemCount,
			"menu_item_ids":  itemIDs,
		},
		UIAction: "show_menu_structure",
	})
	if err != nil {
		slog.Warn("Failed to publish categorize completion",
			"session_id", sessionID, "error", err)
		broadcast = false
	}
	return inserted, broadcast, nil
}

// buildMenuItems flattens the categorized menu into item rows, dropping
// empty names and in-memory duplicates of (name, category). The store's
// uniqueness constraint catches duplicates across resubmissions.
func buildMenuItems(sessionID string, menu *models.CategorizedMenu) []*models.MenuItem {
	seen := make(map[[2]string]struct{})
	var items []*models.MenuItem
	for _, category := range menu.Menu.Categories {
		for _, entry := range category.Items {
			name := strings.TrimSpace(entry.Name)
			if name == "" {
				continue
			}
			key := [2]string{name, category.Name}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, &models.MenuItem{
				ID:           uuid.New().String(),
				SessionID:    sessionID,
				OriginalText: name,
				Category:     category.Name,
				Price:        entry.Price,
			})
		}
	}
	return items
}

// fanOut enqueues one job per enrichment task covering every item, then
// announces the fan-out. Enqueue failures are reported but do not undo the
// persisted items.
func (c *Coordinator) fanOut(ctx context.Context, sessionID string, items []*models.MenuItem) map[string]string {
	descriptors := make([]models.ItemDescriptor, 0, len(items))
	for _, item := range items {
		descriptors = append(descriptors, item.Descriptor())
	}

	taskIDs := make(map[string]string, len(models.AllTasks))
	taskNames := make([]string, 0, len(models.AllTasks))
	for _, task := range models.AllTasks {
		job := &models.Job{
			TaskID:    uuid.New().String(),
			Task:      task,
			SessionID: sessionID,
			Items:     descriptors,
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			slog.Error("Failed to enqueue enrichment job",
				"session_id", sessionID, "task", task, "error", err)
			continue
		}
		taskIDs[string(task)] = job.TaskID
		taskNames = append(taskNames, string(task))
	}

	if err := c.events.PublishParallelTasksStarted(ctx, sessionID, events.ParallelTasksStartedPayload{
		ParallelTasks: taskNames,
		TaskIDs:       taskIDs,
		TotalItems:    len(items),
		ExecutionMode: "parallel",
	}); err != nil {
		slog.Warn("Failed to publish fan-out event", "session_id", sessionID, "error", err)
	}
	return taskIDs
}

// failStage converts a stage failure into an error event and a FAILED
// session, then returns the wrapped error.
func (c *Coordinator) failStage(ctx context.Context, sessionID, stage string, cause error) error {
	slog.Error("Pipeline stage failed", "session_id", sessionID, "stage", stage, "error", cause)

	if err := c.events.PublishError(ctx, sessionID, events.ErrorPayload{
		ErrorType:    events.ErrorKindStageFailed,
		ErrorMessage: cause.Error(),
		TaskName:     stage,
	}); err != nil {
		slog.Warn("Failed to publish stage error event", "session_id", sessionID, "error", err)
	}
	if err := c.sessions.UpdateStatus(ctx, sessionID, models.SessionStatusFailed); err != nil {
		slog.Error("Failed to mark session failed", "session_id", sessionID, "error", err)
	}
	return &StageError{Stage: stage, Err: cause}
}

// publishStageProgress emits the stage-entry progress hint.
func (c *Coordinator) publishStageProgress(ctx context.Context, sessionID, stage string) {
	if err := c.events.PublishProgressUpdate(ctx, sessionID, events.ProgressUpdatePayload{
		TaskName: stage,
		Status:   events.ProgressStatusProcessing,
		ProgressData: map[string]any{
			"stage":    stage,
			"progress": stageProgress[stage],
		},
	}); err != nil {
		slog.Warn("Failed to publish stage progress", "session_id", sessionID, "stage", stage, "error", err)
	}
}

// publishStageCompleted emits a stage boundary event where the broadcast
// result is not load-bearing (stages 1 and 2).
func (c *Coordinator) publishStageCompleted(ctx context.Context, sessionID, stage string, completionData map[string]any) {
	if _, err := c.events.PublishStageCompleted(ctx, sessionID, events.StageCompletedPayload{
		Stage:          stage,
		CompletionData: completionData,
	}); err != nil {
		slog.Warn("Failed to publish stage completion", "session_id", sessionID, "stage", stage, "error", err)
	}
}
