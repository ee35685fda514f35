package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	first, err := l.TryAcquire(ctx, "draft:1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := l.TryAcquire(ctx, "draft:1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	other, err := l.TryAcquire(ctx, "draft:2", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, other)

	require.NoError(t, first.Release(ctx))
	again, err := l.TryAcquire(ctx, "draft:1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestRedisLocker_ExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	stale, err := l.TryAcquire(ctx, "tick", time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	mr.FastForward(2 * time.Second)
	fresh, err := l.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:tick"), "stale release must not delete the new holder's key")

	var nilLease *Lease
	assert.NoError(t, nilLease.Release(ctx))
}
