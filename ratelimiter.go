package trapgate

import (
	"sync"
	"time"
)

// TokenBucketRateLimiter throttles per fingerprint when a verdict carries a
// rate_limit action. The aggressive variant divides the capacity, so one
// limiter serves both action strengths.
type TokenBucketRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	capacity   float64
	refill     time.Duration
	maxBuckets int
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewTokenBucketRateLimiter(capacity int, refill time.Duration) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   float64(capacity),
		refill:     refill,
		maxBuckets: 100000,
	}
}

// Allow takes one token from the key's bucket. aggressive shrinks the
// effective capacity to a tenth.
func (rl *TokenBucketRateLimiter) Allow(key string, aggressive bool) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			// Pressure valve: reset rather than grow without bound.
			rl.buckets = make(map[string]*tokenBucket)
		}
		b = &tokenBucket{tokens: rl.capacity, lastRefill: time.Now()}
		rl.buckets[key] = b
	}

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.capacity / rl.refill.Seconds()
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.lastRefill = now

	if aggressive {
		ceiling := rl.capacity / 10
		if b.tokens > ceiling {
			b.tokens = ceiling
		}
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
