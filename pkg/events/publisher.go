package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/platelens/platelens/pkg/bus"
	"github.com/platelens/platelens/pkg/models"
)

// Publisher publishes session events onto the bus.
//
// Each public method accepts a specific typed payload struct, see
// payloads.go. Internally, payloads are wrapped in an Envelope, serialized
// to JSON, and published to the session's channel. The boolean result
// reports whether at least one subscriber received the message; the
// pipeline's fan-out gate keys off this for the stage-3 broadcast.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher on the shared bus client.
func NewPublisher(client *bus.Client) *Publisher {
	return &Publisher{rdb: client.Redis()}
}

// Publish wraps data in an Envelope and publishes it to the session's
// channel. Returns whether any subscriber received it.
func (p *Publisher) Publish(ctx context.Context, sessionID, messageType string, data any) (bool, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}

	envelope, err := json.Marshal(NewEnvelope(sessionID, messageType, dataJSON))
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s envelope: %w", messageType, err)
	}

	receivers, err := p.rdb.Publish(ctx, SessionChannel(sessionID), envelope).Result()
	if err != nil {
		return false, fmt.Errorf("publish %s to %s: %w", messageType, SessionChannel(sessionID), err)
	}
	return receivers > 0, nil
}

// PublishStageCompleted publishes a stage_completed event and reports
// whether any observer received it (the stage-3 broadcast gate).
func (p *Publisher) PublishStageCompleted(ctx context.Context, sessionID string, payload StageCompletedPayload) (bool, error) {
	return p.Publish(ctx, sessionID, EventTypeStageCompleted, payload)
}

// PublishProgressUpdate publishes a progress_update event.
func (p *Publisher) PublishProgressUpdate(ctx context.Context, sessionID string, payload ProgressUpdatePayload) error {
	_, err := p.Publish(ctx, sessionID, EventTypeProgressUpdate, payload)
	return err
}

// PublishMenuUpdate publishes a menu_update event for one enriched item.
func (p *Publisher) PublishMenuUpdate(ctx context.Context, sessionID string, payload MenuUpdatePayload) error {
	_, err := p.Publish(ctx, sessionID, EventTypeMenuUpdate, payload)
	return err
}

// PublishError publishes an error event.
func (p *Publisher) PublishError(ctx context.Context, sessionID string, payload ErrorPayload) error {
	_, err := p.Publish(ctx, sessionID, EventTypeError, payload)
	return err
}

// PublishParallelTasksStarted announces the enrichment fan-out.
func (p *Publisher) PublishParallelTasksStarted(ctx context.Context, sessionID string, payload ParallelTasksStartedPayload) error {
	_, err := p.Publish(ctx, sessionID, EventTypeParallelTasksStarted, payload)
	return err
}

// PublishBatchCompleted publishes the terminal summary for one task.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, sessionID string, task models.Task, payload BatchCompletedPayload) error {
	_, err := p.Publish(ctx, sessionID, BatchCompletedType(task), payload)
	return err
}
