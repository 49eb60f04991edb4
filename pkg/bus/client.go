// Package bus wraps the Redis message bus: pub/sub channels for session
// events, list-backed work queues, and per-resource distributed locks.
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config contains connection settings for the bus.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a Redis connection shared by publishers, queues, and locks.
// Subscribers open their own connection per subscription (see events
// package) so a slow observer never blocks the shared client.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing go-redis client (useful for testing
// against miniredis).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping verifies bus connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
