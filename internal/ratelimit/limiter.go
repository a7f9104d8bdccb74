// Package ratelimit throttles requests per key, in process or through Redis.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Memory keeps a token bucket per key. Idle buckets are swept lazily.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemory allows perMinute events per key with bursts up to burst.
func NewMemory(perMinute, burst int) *Memory {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &Memory{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) Decision {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) > time.Minute {
		for k, b := range m.buckets {
			if now.Sub(b.seen) > m.ttl {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	d := Decision{
		Allowed:   allowed,
		Limit:     m.burst,
		Remaining: int(math.Max(0, math.Floor(tokens))),
	}
	if !allowed {
		missing := 1 - tokens
		d.RetryAfter = time.Duration(missing / float64(m.limit) * float64(time.Second))
	}
	return d
}
