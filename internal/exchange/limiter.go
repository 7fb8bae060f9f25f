// Package exchange implements the Binance USDT-margined futures wire
// formats: the combined kline stream decoder, the rate-limited REST history
// client and the instrument-list lookup.
//
// The package is the single place in the repository that knows the
// exchange's JSON schemas; everything above it works with normalized
// model types.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter admits weighted requests against a fixed time window.
//
// The exchange budgets REST usage as "request weight per minute". The
// limiter tracks consumed weight inside the current window and admits a
// request only when currentWeight + requestWeight fits the budget;
// otherwise the caller polls in short ticks until the window resets.
//
// The window resets wholesale once its duration has elapsed, matching the
// exchange's own fixed-window accounting rather than a token bucket.
type RateLimiter struct {
	mu            sync.Mutex
	maxWeight     int
	window        time.Duration
	currentWeight int
	windowStart   time.Time
	now           func() time.Time
}

// NewRateLimiter creates a limiter admitting maxWeight units per window.
func NewRateLimiter(maxWeight int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxWeight:   maxWeight,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Wait blocks until the requested weight fits into the current window, then
// consumes it. It returns early with the context's error on cancellation.
//
// Poll intervals are capped at one second so a reset near the window edge is
// picked up promptly.
func (rl *RateLimiter) Wait(ctx context.Context, weight int) error {
	for {
		if ok, retryIn := rl.tryAcquire(weight); ok {
			return nil
		} else {
			log.Debug().Int("weight", weight).Dur("retryIn", retryIn).Msg("rate limit reached, waiting")
			timer := time.NewTimer(retryIn)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// tryAcquire attempts to consume weight, returning the suggested wait before
// the next attempt when the budget is exhausted.
func (rl *RateLimiter) tryAcquire(weight int) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.currentWeight = 0
	}

	if rl.currentWeight+weight <= rl.maxWeight {
		rl.currentWeight += weight
		return true, 0
	}

	remaining := rl.window - now.Sub(rl.windowStart)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if remaining > time.Second {
		remaining = time.Second
	}
	return false, remaining
}

// WeightForLimit returns the documented request weight for a kline query of
// the given row limit.
//
// Tiers per the exchange documentation:
//
//	limit <= 100:  1
//	limit <= 500:  2
//	limit <= 1000: 5
//	limit >  1000: 10
func WeightForLimit(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}
