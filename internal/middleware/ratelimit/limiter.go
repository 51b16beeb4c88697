package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"golang.org/x/time/rate"
)

// Decision is the limiter store's answer for one request
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is the external token-bucket store. Buckets are scoped by route and
// key.
type Limiter interface {
	Allow(ctx context.Context, routeID, key string, policy pipeline.RateLimitPolicy) (Decision, error)
}

// MemoryLimiter keeps one token bucket per route and key in process. Idle
// buckets are dropped by the janitor.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	idleTTL time.Duration
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryOption configures a MemoryLimiter
type MemoryOption func(*MemoryLimiter)

// WithIdleTTL sets how long an unused bucket is kept
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) { m.idleTTL = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates an in-process limiter store
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow takes policy.RequestedTokens from the bucket if they are available
func (m *MemoryLimiter) Allow(ctx context.Context, routeID, key string, policy pipeline.RateLimitPolicy) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	n := policy.RequestedTokens
	if n <= 0 {
		n = 1
	}
	now := m.now()
	lim := m.bucket(routeID+"|"+key, policy, now)

	if lim.AllowN(now, n) {
		return Decision{Allowed: true, Remaining: int64(math.Floor(lim.TokensAt(now)))}, nil
	}

	d := Decision{Remaining: int64(math.Max(0, math.Floor(lim.TokensAt(now))))}
	if r := lim.ReserveN(now, n); r.OK() {
		d.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	} else {
		// more tokens requested than the bucket can ever hold
		d.RetryAfter = time.Duration(math.MaxInt64)
	}
	return d, nil
}

func (m *MemoryLimiter) bucket(id string, policy pipeline.RateLimitPolicy, now time.Time) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[id]; ok {
		b.lastSeen = now
		return b.lim
	}
	b := &bucket{
		lim:      rate.NewLimiter(rate.Limit(policy.ReplenishRate), policy.BurstCapacity),
		lastSeen: now,
	}
	m.buckets[id] = b
	return b.lim
}

// Len returns the number of live buckets
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Cleanup drops buckets idle for longer than the idle TTL
func (m *MemoryLimiter) Cleanup() {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is cancelled
func (m *MemoryLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}
