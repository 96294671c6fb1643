// Package ratelimit provides a keyed token-bucket limiter. It is injected
// wherever outbound sends or inbound requests need throttling, instead of
// module-level counters.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// bucket is a single token bucket.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func newBucket(requestsPerMinute, burstSize int) *bucket {
	now := time.Now()
	return &bucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	b.lastAccess = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

func (b *bucket) lastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccess
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	buckets           map[string]*bucket
	requestsPerMinute int
	burstSize         int
	mu                sync.RWMutex
}

// New creates a limiter with the given steady rate and burst capacity per key.
func New(requestsPerMinute, burstSize int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = 10
	}
	return &Limiter{
		buckets:           make(map[string]*bucket),
		requestsPerMinute: requestsPerMinute,
		burstSize:         burstSize,
	}
}

// Allow consumes one token for key, reporting whether the call may proceed.
func (l *Limiter) Allow(key string) bool {
	return l.getBucket(key).allow()
}

// Reset drops the bucket for key so its next Allow starts from a full burst.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ResetAll drops every bucket.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// EvictStale removes buckets not accessed within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.lastSeen().Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
}

// StartEviction periodically removes stale buckets until ctx is cancelled.
// This prevents unbounded growth from unique contacts or API keys.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = newBucket(l.requestsPerMinute, l.burstSize)
	l.buckets[key] = b
	return b
}
