package ratelimit

import (
	"sync"
	"time"
)

// bucket is a real-valued token bucket. Tokens refill lazily on access,
// proportional to elapsed time, and never leave [0, capacity]. Consumption
// is all-or-nothing.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, perSec float64, now time.Time) *bucket {
	if capacity < 1 {
		capacity = 1
	}
	if perSec <= 0 {
		perSec = capacity / 60.0
	}
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: perSec,
		lastRefill: now,
	}
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// take refills then consumes cost tokens, or consumes nothing.
func (b *bucket) take(cost float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// waitFor estimates the time until cost tokens are available.
func (b *bucket) waitFor(cost float64, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	missing := cost - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// level reports the current (refilled) token count and bucket parameters.
func (b *bucket) level(now time.Time) BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return BucketStats{
		Tokens:     b.tokens,
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
	}
}
