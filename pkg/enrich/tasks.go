package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/platelens/platelens/pkg/config"
	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
	"github.com/platelens/platelens/pkg/providers"
)

// Fallback values written when a provider returns nothing usable.
const (
	allergenNoneValue    = "None"
	allergenUnknownValue = "Unable to determine"
	ingredientUnknown    = "材料情報不明"
)

// persistBackoffs are the linear backoff waits between partial-update
// attempts. They cover the window where the coordinator's bulk insert is
// not yet visible to the worker's connection.
var persistBackoffs = []time.Duration{500 * time.Millisecond, 1 * time.Second, 1500 * time.Millisecond}

// ItemUpdater is the subset of the item store the tasks need.
type ItemUpdater interface {
	UpdatePartial(ctx context.Context, itemID string, fields map[string]string) (*models.MenuItem, error)
}

// LockManager scopes a critical section under a distributed lock.
type LockManager interface {
	WithLock(ctx context.Context, resource string, ttl, retryInterval, acquireTimeout time.Duration, fn func(ctx context.Context) error) error
}

// Tasks runs the five enrichment task kinds. Each job enriches every item
// of one session for one task; the task kinds are structurally identical
// and differ only in the provider capability and serialization.
type Tasks struct {
	providers  *providers.Set
	items      ItemUpdater
	locks      LockManager
	events     EventSink
	cfg        *config.QueueConfig
	targetLang string
}

// NewTasks wires the task runner.
func NewTasks(set *providers.Set, items ItemUpdater, locks LockManager, sink EventSink, cfg *config.QueueConfig, targetLang string) *Tasks {
	if targetLang == "" {
		targetLang = "en"
	}
	return &Tasks{
		providers:  set,
		items:      items,
		locks:      locks,
		events:     sink,
		cfg:        cfg,
		targetLang: targetLang,
	}
}

// Run executes one enrichment job end to end and publishes the terminal
// <task>_batch_completed summary.
func (t *Tasks) Run(ctx context.Context, job *models.Job) error {
	process, err := t.processFunc(job.Task)
	if err != nil {
		return err
	}

	executor := &BatchExecutor{
		TaskName:             string(job.Task),
		BatchSize:            t.cfg.BatchSize,
		MaxConcurrentBatches: t.cfg.MaxConcurrentBatches,
		Process:              process,
		Persist:              t.persistFunc(job.Task),
		Events:               t.events,
	}
	summary := executor.Execute(ctx, job.SessionID, job.Items)

	if err := t.events.PublishBatchCompleted(ctx, job.SessionID, job.Task, events.BatchCompletedPayload{
		TaskType:       string(job.Task),
		CompletedItems: summary.Completed,
		TotalItems:     summary.Total,
		SuccessRate:    summary.SuccessRate(),
		ProcessingSummary: map[string]any{
			"task_id":      job.TaskID,
			"failed_items": summary.Failed,
		},
	}); err != nil {
		return fmt.Errorf("publish %s summary: %w", events.BatchCompletedType(job.Task), err)
	}
	return nil
}

// processFunc returns the provider invocation for one task kind. The
// returned menu_data map doubles as the menu_update payload; persistFunc
// extracts the database fields from it.
func (t *Tasks) processFunc(task models.Task) (ProcessFunc, error) {
	switch task {
	case models.TaskTranslation:
		return func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error) {
			name, err := t.providers.Translator.Translate(ctx, item.Name, t.targetLang)
			if err != nil {
				return nil, fmt.Errorf("translate item %s: %w", item.ID, err)
			}
			category, err := t.providers.Translator.Translate(ctx, item.Category, t.targetLang)
			if err != nil {
				return nil, fmt.Errorf("translate category for item %s: %w", item.ID, err)
			}
			return map[string]any{
				"translation":          name,
				"category_translation": category,
			}, nil
		}, nil

	case models.TaskDescription:
		return func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error) {
			desc, err := t.providers.Describer.Describe(ctx, item.Name, item.Category)
			if err != nil {
				return nil, fmt.Errorf("describe item %s: %w", item.ID, err)
			}
			text := ""
			if desc != nil {
				text = strings.TrimSpace(desc.Description)
			}
			if text == "" {
				text = fmt.Sprintf("%s(%s)の一品です。", item.Name, item.Category)
			}
			return map[string]any{"description": text}, nil
		}, nil

	case models.TaskAllergen:
		return func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error) {
			info, err := t.providers.Allergens.ExtractAllergens(ctx, item.Name, item.Category)
			if err != nil {
				return nil, fmt.Errorf("extract allergens for item %s: %w", item.ID, err)
			}
			return map[string]any{
				"allergy":       serializeAllergens(info),
				"allergen_info": info,
			}, nil
		}, nil

	case models.TaskIngredient:
		return func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error) {
			info, err := t.providers.Ingredients.ExtractIngredients(ctx, item.Name, item.Category)
			if err != nil {
				return nil, fmt.Errorf("extract ingredients for item %s: %w", item.ID, err)
			}
			return map[string]any{
				"ingredient":      serializeIngredients(info),
				"ingredient_info": info,
			}, nil
		}, nil

	case models.TaskSearchImage:
		return func(ctx context.Context, item models.ItemDescriptor) (map[string]any, error) {
			results, err := t.providers.ImageSearch.SearchImages(ctx, item.Name, item.Category, 3)
			if err != nil {
				return nil, fmt.Errorf("search images for item %s: %w", item.ID, err)
			}
			urls := make([]string, 0, len(results))
			for _, r := range results {
				if r.Link != "" {
					urls = append(urls, r.Link)
				}
			}
			return map[string]any{"search_engine": urls}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown enrichment task %q", task)
}

// persistFunc writes one item's result under the task's per-item lock.
func (t *Tasks) persistFunc(task models.Task) PersistFunc {
	return func(ctx context.Context, item models.ItemDescriptor, result map[string]any) bool {
		fields, err := databaseFields(task, result)
		if err != nil {
			slog.Warn("Result serialization failed",
				"task", task, "item_id", item.ID, "error", err)
			return false
		}
		if len(fields) == 0 {
			// Nothing to write (e.g. image search with no hits leaves the
			// column null); the item still counts as completed.
			return true
		}

		resource := fmt.Sprintf("menu_update:%s:%s", task, item.ID)
		err = t.locks.WithLock(ctx, resource, t.cfg.LockTTL, t.cfg.LockRetryInterval, t.cfg.LockAcquireTimeout,
			func(ctx context.Context) error {
				return t.updateWithRetry(ctx, item.ID, fields)
			})
		if err != nil {
			slog.Warn("Locked update abandoned",
				"task", task, "item_id", item.ID, "error", err)
			return false
		}
		return true
	}
}

// updateWithRetry retries the partial update while the row is not yet
// visible. Hard database errors abort immediately.
func (t *Tasks) updateWithRetry(ctx context.Context, itemID string, fields map[string]string) error {
	for attempt, backoff := range persistBackoffs {
		item, err := t.items.UpdatePartial(ctx, itemID, fields)
		if err != nil {
			return err
		}
		if item != nil {
			return nil
		}
		if attempt == len(persistBackoffs)-1 {
			break
		}
		slog.Debug("Item not yet visible, retrying update",
			"item_id", itemID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("item %s not visible after %d attempts", itemID, len(persistBackoffs))
}

// databaseFields maps a task result onto the columns it updates.
func databaseFields(task models.Task, result map[string]any) (map[string]string, error) {
	switch task {
	case models.TaskTranslation:
		return map[string]string{
			"translation":          stringValue(result["translation"]),
			"category_translation": stringValue(result["category_translation"]),
		}, nil
	case models.TaskDescription:
		return map[string]string{"description": stringValue(result["description"])}, nil
	case models.TaskAllergen:
		return map[string]string{"allergy": stringValue(result["allergy"])}, nil
	case models.TaskIngredient:
		return map[string]string{"ingredient": stringValue(result["ingredient"])}, nil
	case models.TaskSearchImage:
		urls, _ := result["search_engine"].([]string)
		if len(urls) == 0 {
			return nil, nil
		}
		encoded, err := json.Marshal(urls)
		if err != nil {
			return nil, fmt.Errorf("encode image urls: %w", err)
		}
		return map[string]string{"search_engine": string(encoded)}, nil
	}
	return nil, fmt.Errorf("unknown enrichment task %q", task)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// serializeAllergens flattens the allergen result into the allergy column.
func serializeAllergens(info *providers.AllergenInfo) string {
	if info == nil {
		return allergenUnknownValue
	}
	if len(info.Allergens) > 0 {
		return strings.Join(info.Allergens, ", ")
	}
	if info.AllergenFree {
		return allergenNoneValue
	}
	return allergenUnknownValue
}

// serializeIngredients flattens the ingredient result into the ingredient
// column, falling back to cuisine category, then cooking methods.
func serializeIngredients(info *providers.IngredientInfo) string {
	if info == nil {
		return ingredientUnknown
	}
	if len(info.MainIngredients) > 0 {
		return strings.Join(info.MainIngredients, ", ")
	}
	if info.CuisineCategory != "" {
		return info.CuisineCategory
	}
	if len(info.CookingMethod) > 0 {
		return strings.Join(info.CookingMethod, ", ")
	}
	return ingredientUnknown
}
