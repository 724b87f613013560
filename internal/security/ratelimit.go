package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing rate operations per second with
// bursts of up to burst operations. The bucket starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	r := &RateLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		now:    time.Now,
	}
	r.lastRefill = r.now()
	return r
}

// Allow reports whether an operation may proceed and consumes a token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// idleSince returns the time of the last refill.
func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedLimiter keeps one RateLimiter per key, such as an IPC session or a
// remote address.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
}

// NewKeyedLimiter creates a per-key limiter. A non-positive rate disables
// limiting and Allow always succeeds.
func NewKeyedLimiter(rate float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
	}
}

// Allow checks if an operation for key is allowed.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = NewRateLimiter(k.rate, k.burst)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the limiter for key.
func (k *KeyedLimiter) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

// Prune drops limiters unused for longer than idle and returns how many
// were removed.
func (k *KeyedLimiter) Prune(idle time.Duration) int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	now := time.Now()
	for key, limiter := range k.limiters {
		if now.Sub(limiter.idleSince()) > idle {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
