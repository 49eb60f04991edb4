package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platelens/platelens/pkg/models"
)

// MinSessionIDLength is the shortest session identifier the gateway accepts.
const MinSessionIDLength = 8

// ErrInvalidSessionID is returned for missing or implausibly short session
// identifiers.
var ErrInvalidSessionID = errors.New("invalid session id")

// SessionReader is the subset of the session store the gateway needs for
// history replay.
type SessionReader interface {
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
}

// SendFunc delivers one framed event to a connected observer. Returning an
// error means the observer is gone and the stream should end.
type SendFunc func(eventType string, payload []byte) error

// Gateway bridges bus subscriptions to connected observers. Each observer
// gets its own Subscription; late joiners catch up through events
// synthesized from the session's stages blob rather than a raw event buffer.
type Gateway struct {
	subscriber        *Subscriber
	sessions          SessionReader
	heartbeatInterval time.Duration
	startedAt         time.Time

	// Active observers: session_id → set of connection ids.
	mu          sync.RWMutex
	connections map[string]map[string]struct{}
}

// NewGateway creates a Gateway.
func NewGateway(subscriber *Subscriber, sessions SessionReader, heartbeatInterval time.Duration) *Gateway {
	return &Gateway{
		subscriber:        subscriber,
		sessions:          sessions,
		heartbeatInterval: heartbeatInterval,
		startedAt:         time.Now(),
		connections:       make(map[string]map[string]struct{}),
	}
}

// ValidateSessionID rejects empty or implausibly short identifiers.
func ValidateSessionID(sessionID string) error {
	if len(sessionID) < MinSessionIDLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidSessionID, MinSessionIDLength)
	}
	return nil
}

// ActiveConnections returns the number of observers for a session.
func (g *Gateway) ActiveConnections(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections[sessionID])
}

// Stream serves one observer: connection greeting, history replay, then
// live events with periodic heartbeats. Blocks until the observer detaches
// (ctx done or send failure) or the bus drops the subscription.
//
// The subscription is opened before history replay so events published
// during replay are buffered rather than lost; historical events therefore
// always precede live ones for this observer.
func (g *Gateway) Stream(ctx context.Context, sessionID string, send SendFunc) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	sub, err := g.subscriber.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	connID := uuid.New().String()
	g.register(sessionID, connID)
	defer g.unregister(sessionID, connID)

	log := slog.With("session_id", sessionID, "connection_id", connID)
	log.Info("Observer connected")

	g.sendSynthesized(send, sessionID, EventTypeConnectionEstablished, ConnectionEstablishedPayload{
		Status:            "connected",
		ConnectionID:      connID,
		ActiveConnections: g.ActiveConnections(sessionID),
	})

	if err := g.replayHistory(ctx, sessionID, send); err != nil {
		// Replay failure is not fatal: live events still flow.
		log.Warn("History replay failed", "error", err)
	}

	heartbeat := time.NewTicker(g.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Observer disconnected")
			return nil

		case envelope, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					// One final error event, then close.
					g.sendSynthesized(send, sessionID, EventTypeError, ErrorPayload{
						ErrorType:    ErrorKindStreamClosed,
						ErrorMessage: err.Error(),
					})
					return err
				}
				return nil
			}
			raw, err := json.Marshal(envelope)
			if err != nil {
				continue
			}
			if err := send(envelope.Type, raw); err != nil {
				log.Info("Observer send failed, closing stream", "error", err)
				return nil
			}

		case <-heartbeat.C:
			g.sendSynthesized(send, sessionID, EventTypeHeartbeat, HeartbeatPayload{
				Uptime:  time.Since(g.startedAt).Seconds(),
				Message: "connection alive",
			})
		}
	}
}

// replayHistory synthesizes stage_completed events for every stage already
// persisted in the session's stages blob, in canonical order, followed by
// one progress_update summarizing replay state. All are marked historical.
func (g *Gateway) replayHistory(ctx context.Context, sessionID string, send SendFunc) error {
	session, err := g.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session for replay: %w", err)
	}
	if session == nil {
		// Observer connected before the first upload; nothing to replay.
		return nil
	}

	completed := make([]string, 0, len(models.FrontendStageKeys))
	for _, stageKey := range models.FrontendStageKeys {
		raw, ok := session.Stages[stageKey]
		if !ok || len(raw) == 0 {
			continue
		}
		var completionData map[string]any
		if err := json.Unmarshal(raw, &completionData); err != nil {
			slog.Warn("Skipping undecodable stage blob in replay",
				"session_id", sessionID, "stage", stageKey, "error", err)
			continue
		}
		g.sendSynthesized(send, sessionID, EventTypeStageCompleted, StageCompletedPayload{
			Stage:          stageKey,
			CompletionData: completionData,
			IsHistory:      true,
		})
		completed = append(completed, stageKey)
	}

	// Fixed 20% per completed frontend stage: a monotonic hint, not an
	// exact completion fraction.
	g.sendSynthesized(send, sessionID, EventTypeProgressUpdate, ProgressUpdatePayload{
		TaskName: "history_replay",
		Status:   ProgressStatusCompleted,
		ProgressData: map[string]any{
			"completed_stages": completed,
			"total_stages":     len(models.FrontendStageKeys),
			"progress":         len(completed) * 20,
		},
		IsHistory: true,
	})
	return nil
}

// sendSynthesized wraps a payload in an envelope and delivers it to one
// observer without publishing to the bus. Send failures are logged only;
// the main loop detects the dead observer on the next live event.
func (g *Gateway) sendSynthesized(send SendFunc, sessionID, messageType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to marshal synthesized event",
			"session_id", sessionID, "type", messageType, "error", err)
		return
	}
	raw, err := json.Marshal(NewEnvelope(sessionID, messageType, data))
	if err != nil {
		return
	}
	if err := send(messageType, raw); err != nil {
		slog.Debug("Synthesized event send failed",
			"session_id", sessionID, "type", messageType, "error", err)
	}
}

func (g *Gateway) register(sessionID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connections[sessionID] == nil {
		g.connections[sessionID] = make(map[string]struct{})
	}
	g.connections[sessionID][connID] = struct{}{}
}

func (g *Gateway) unregister(sessionID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connections[sessionID], connID)
	if len(g.connections[sessionID]) == 0 {
		delete(g.connections, sessionID)
	}
}
