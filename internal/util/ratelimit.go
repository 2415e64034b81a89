package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket with capacity one, refilled at a fixed
// rate. Capacity one keeps request spacing even, which is what upstream
// per-minute API quotas expect.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a RateLimiter allowing perMinute operations per
// minute. The first Wait never blocks.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		tokens: 1,
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.last = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		// Sleep just long enough for the bucket to refill.
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
