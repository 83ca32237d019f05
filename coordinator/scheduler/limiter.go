package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter keys independent token buckets, one per device.
// The scheduler uses it to keep dispatch storms off a single worker.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with r tokens per second and
// burst b per key.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether the key may proceed now, consuming a token.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// Forget drops the bucket for a key, reclaiming memory when a device
// is removed.
func (l *TokenBucketLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
