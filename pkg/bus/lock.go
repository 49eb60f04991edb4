package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockKeyPrefix namespaces all lock keys on the bus.
const lockKeyPrefix = "lock:"

// ErrLockNotAcquired is returned when the lock could not be acquired before
// the caller's deadline.
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock key only if it still holds our nonce.
// Running compare-and-delete as a single script closes the race where the
// lock expires, another holder acquires it, and a stale release would
// silently unlock the new holder's critical section.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// Locker acquires per-resource distributed locks on the bus.
type Locker struct {
	rdb *redis.Client
}

// NewLocker creates a Locker on the shared bus client.
func NewLocker(client *Client) *Locker {
	return &Locker{rdb: client.Redis()}
}

// Lease is a held lock. Release it exactly once; the TTL releases it
// automatically if the holder crashes.
type Lease struct {
	rdb   *redis.Client
	key   string
	nonce string
}

// Acquire attempts to take the lock for resource, retrying every
// retryInterval until ctx is done. The lock self-expires after ttl.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl, retryInterval time.Duration) (*Lease, error) {
	key := lockKeyPrefix + resource
	nonce := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, key, nonce, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx %s: %w", key, err)
		}
		if ok {
			return &Lease{rdb: l.rdb, key: key, nonce: nonce}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, resource)
		case <-time.After(retryInterval):
		}
	}
}

// Release atomically deletes the lock if this lease still holds it.
// Returns false if the lock had already expired or been taken over.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, le.rdb, []string{le.key}, le.nonce).Int()
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", le.key, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding the lock for resource, releasing on exit.
// Acquisition is bounded by acquireTimeout.
func (l *Locker) WithLock(ctx context.Context, resource string, ttl, retryInterval, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	lease, err := l.Acquire(acquireCtx, resource, ttl, retryInterval)
	if err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context: the caller's ctx may already be
		// cancelled, but the unlock must still go out.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		_, _ = lease.Release(releaseCtx)
	}()

	return fn(ctx)
}
