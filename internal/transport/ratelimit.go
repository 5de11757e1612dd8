package transport

import (
	"context"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
)

// tokenBucket is a thread-safe token bucket refilled at a constant rate.
type tokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// waitTime returns the duration until one token becomes available.
func (tb *tokenBucket) waitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		return 0
	}
	needed := 1 - tb.tokens
	return time.Duration(needed / tb.refillRate * float64(time.Second))
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = minF(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimiter keeps one bucket per credential id, sized (rpm, burst).
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	waitMax time.Duration
}

// NewRateLimiter builds a limiter whose Acquire waits at most waitMax for a
// token before failing RateLimited.
func NewRateLimiter(waitMax time.Duration) *RateLimiter {
	if waitMax <= 0 {
		waitMax = 5 * time.Second
	}
	return &RateLimiter{buckets: map[string]*tokenBucket{}, waitMax: waitMax}
}

func (rl *RateLimiter) bucket(credentialID string, rpm, burst int) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[credentialID]
	if !ok {
		if burst <= 0 {
			burst = rpm
		}
		b = newTokenBucket(float64(burst), float64(rpm)/60.0)
		rl.buckets[credentialID] = b
	}
	return b
}

// Acquire takes one token for the credential, waiting up to the configured
// maximum. rpm <= 0 means the credential is unthrottled.
func (rl *RateLimiter) Acquire(ctx context.Context, credentialID string, rpm, burst int) error {
	if rpm <= 0 {
		return nil
	}
	b := rl.bucket(credentialID, rpm, burst)
	if b.allow() {
		return nil
	}
	wait := b.waitTime()
	if wait > rl.waitMax {
		return gwerr.New(gwerr.KindRateLimited, "credential %s bucket exhausted, next token in %s", credentialID, wait.Round(time.Millisecond))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "rate limit wait canceled")
	case <-timer.C:
	}
	if b.allow() {
		return nil
	}
	return gwerr.New(gwerr.KindRateLimited, "credential %s bucket exhausted after wait", credentialID)
}
