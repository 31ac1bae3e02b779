package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	opt := Options(config.RedisConfig{URL: "redis://:secret@cache:6380/2"})
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)

	opt = Options(config.RedisConfig{URL: "cache:6379", DB: 1})
	assert.Equal(t, "cache:6379", opt.Addr)
	assert.Equal(t, 1, opt.DB)

	opt = Options(config.RedisConfig{Addr: " localhost:6379 ", DB: 3})
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, 3, opt.DB)
}

func TestLocker(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	ctx := context.Background()

	lease, ok, err := locker.TryAcquire(ctx, "lock:refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "lock:refresh", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, Lease{Key: "lock:refresh", Token: "stale"}))
	assert.True(t, srv.Exists("lock:refresh"))

	require.NoError(t, locker.Release(ctx, lease))
	assert.False(t, srv.Exists("lock:refresh"))

	_, _, err = locker.TryAcquire(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrLockKeyEmpty)
	_, _, err = locker.TryAcquire(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrLockTTL)

	var nilLocker *Locker
	_, _, err = nilLocker.TryAcquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
}
