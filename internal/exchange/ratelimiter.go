package exchange

import (
	"sync"
	"time"
)

// RateLimiter is a simple token-bucket limiter, adapted from the Binance
// adapter's rate limiter: refills at a fixed rate up to a max burst.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that holds at most maxTokens and refills
// one token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available.
func (rl *RateLimiter) Acquire() {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		wait := rl.refillRate
		rl.mu.Unlock()
		time.Sleep(wait)
	}
}

func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	add := int(elapsed / rl.refillRate)
	if add <= 0 {
		return
	}
	rl.tokens += add
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}
