package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/platelens/platelens/pkg/bus"
)

// Subscriber opens per-observer subscriptions on session channels. Each
// Subscribe call gets its own bus connection (go-redis dedicates one per
// PubSub), so a slow observer never stalls another.
type Subscriber struct {
	rdb *redis.Client
}

// NewSubscriber creates a Subscriber on the shared bus client.
func NewSubscriber(client *bus.Client) *Subscriber {
	return &Subscriber{rdb: client.Redis()}
}

// ErrStreamClosed indicates the bus dropped the subscription before the
// observer detached.
var ErrStreamClosed = errors.New("event stream closed by bus")

// Subscription is a single observer's live feed of session events.
// Single-use: close it when the observer detaches.
type Subscription struct {
	ch     chan Envelope
	quit   chan struct{}
	pubsub *redis.PubSub

	mu       sync.Mutex
	err      error
	detached bool

	closeOnce sync.Once
}

// Subscribe starts listening on the session's channel. The subscription is
// confirmed with the bus before returning, so events published after
// Subscribe returns are guaranteed to be delivered.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, SessionChannel(sessionID))

	// Wait for the subscription confirmation so the caller can rely on
	// delivery of anything published from now on.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", SessionChannel(sessionID), err)
	}

	sub := &Subscription{
		ch:     make(chan Envelope, 64),
		quit:   make(chan struct{}),
		pubsub: pubsub,
	}

	go sub.receiveLoop(sessionID)
	return sub, nil
}

// Events returns the channel of parsed envelopes. It is closed when the
// subscription ends; check Err afterwards for the cause.
func (sub *Subscription) Events() <-chan Envelope {
	return sub.ch
}

// Err returns the terminal error, if the subscription ended abnormally.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close detaches from the bus. Safe to call multiple times.
func (sub *Subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.detached = true
		sub.mu.Unlock()
		close(sub.quit)
		err = sub.pubsub.Close()
	})
	return err
}

// receiveLoop drains the pubsub connection into the envelope channel until
// the connection closes (observer detach or bus disconnect).
func (sub *Subscription) receiveLoop(sessionID string) {
	defer close(sub.ch)

	for msg := range sub.pubsub.Channel() {
		var envelope Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			slog.Warn("Dropping malformed event on session channel",
				"session_id", sessionID, "error", err)
			continue
		}
		// A backlogged observer that detached must not pin this goroutine
		// on the channel send.
		select {
		case sub.ch <- envelope:
		case <-sub.quit:
			return
		}
	}

	// The pubsub channel closes on Close() or on bus disconnect. Only the
	// latter is an error the observer should hear about.
	sub.mu.Lock()
	if !sub.detached {
		sub.err = ErrStreamClosed
	}
	sub.mu.Unlock()
}
