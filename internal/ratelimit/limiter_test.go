package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(60, 2)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, m.Allow(ctx, "ip-1").Allowed)
	assert.True(t, m.Allow(ctx, "ip-1").Allowed)
	d := m.Allow(ctx, "ip-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	assert.True(t, m.Allow(ctx, "ip-2").Allowed, "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, m.Allow(ctx, "ip-1").Allowed, "one token refills per second at 60/min")
}

func TestMemorySweepsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(60, 1)
	m.now = func() time.Time { return now }
	m.Allow(context.Background(), "old")

	now = now.Add(10 * time.Minute)
	m.Allow(context.Background(), "new")

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets["old"]
	assert.False(t, ok)
	assert.Len(t, m.buckets, 1)
}

func TestRedisFixedWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, 2, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "ip-1").Allowed)
	d := l.Allow(ctx, "ip-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d = l.Allow(ctx, "ip-1")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	srv.FastForward(time.Minute + time.Second)
	assert.True(t, l.Allow(ctx, "ip-1").Allowed, "window must reset after expiry")
}

func TestRedisFallsBackWhenUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	fallback := NewMemory(60, 1)
	l := NewRedis(client, 100, time.Minute, fallback)
	l.Timeout = 200 * time.Millisecond

	require.True(t, l.Allow(context.Background(), "ip-1").Allowed)
	assert.False(t, l.Allow(context.Background(), "ip-1").Allowed, "memory fallback burst is 1")
}

func TestRedisWithoutClientOrFallbackAllows(t *testing.T) {
	l := NewRedis(nil, 3, 0, nil)
	assert.Equal(t, time.Minute, l.Window)
	d := l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}
