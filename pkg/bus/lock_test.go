package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb), mr
}

func TestLockerAcquireRelease(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "menu_update:translation:item-1", 10*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:menu_update:translation:item-1"))

	released, err := lease.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:menu_update:translation:item-1"))
}

func TestLockerMutualExclusion(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "shared", 10*time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	// Second acquisition must time out while the lock is held.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(shortCtx, "shared", 10*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	_, err = lease.Release(ctx)
	require.NoError(t, err)

	// Released lock is immediately acquirable.
	lease2, err := locker.Acquire(ctx, "shared", 10*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	_, _ = lease2.Release(ctx)
}

func TestLeaseReleaseAfterTakeover(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "expiring", time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	mr.FastForward(2 * time.Second)
	newLease, err := locker.Acquire(ctx, "expiring", 10*time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	// The stale lease must not delete the new holder's lock.
	released, err := lease.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:expiring"))

	released, err = newLease.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestWithLock(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	var ran bool
	err := locker.WithLock(ctx, "scoped", 10*time.Second, 5*time.Millisecond, time.Second, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:scoped"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:scoped"))
}

func TestWithLockAcquireTimeout(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "held", 10*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	defer func() { _, _ = lease.Release(ctx) }()

	err = locker.WithLock(ctx, "held", 10*time.Second, 5*time.Millisecond, 50*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
