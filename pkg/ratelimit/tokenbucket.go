// Package ratelimit gates outbound calls to the remote API with a blocking
// token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults mirror the remote API's published quota.
const (
	DefaultCapacity   = 300
	DefaultRefillRate = 5.0
)

// ErrExceedsCapacity is returned when a caller asks for more tokens than the
// bucket can ever hold. It indicates a configuration error.
var ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")

// TokenBucket is a blocking token bucket. Acquire is serialized: a caller
// that has to wait holds the bucket until it has been served, so waiting
// callers are served in arrival order.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	logger zerolog.Logger
}

func validateConfig(capacity, refillRate float64) error {
	if capacity <= 0 {
		return errors.New("capacity must be greater than 0")
	}
	if refillRate <= 0 {
		return errors.New("refill rate must be greater than 0")
	}
	return nil
}

// New creates a full bucket.
func New(capacity, refillRate float64, logger zerolog.Logger) (*TokenBucket, error) {
	if err := validateConfig(capacity, refillRate); err != nil {
		return nil, err
	}
	tb := &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
		logger:     logger.With().Str("component", "TokenBucket").Logger(),
	}
	tb.logger.Info().Float64("capacity", capacity).Float64("refill_rate", refillRate).Msg("Rate limiter initialized.")
	return tb, nil
}

// refill must be called with mu held. time.Time carries a monotonic reading,
// so Sub is immune to wall clock changes.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now
}

// Acquire blocks until n tokens are available and debits them. It only fails
// if n exceeds the capacity or ctx ends while waiting; in the latter case no
// tokens are debited.
func (tb *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	want := float64(n)
	if want > tb.capacity {
		return fmt.Errorf("%w: requested %d, capacity %.0f", ErrExceedsCapacity, n, tb.capacity)
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < want {
		needed := want - tb.tokens
		wait := time.Duration(needed / tb.refillRate * float64(time.Second))
		tb.logger.Debug().Dur("wait", wait).Float64("needed", needed).Msg("Rate limit reached, waiting for tokens.")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		tb.refill()
		// Timer granularity can leave us a hair short.
		if tb.tokens < want {
			tb.tokens = want
		}
	}
	tb.tokens -= want
	return nil
}

// Available reports the current token count, for monitoring.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Capacity returns the bucket capacity.
func (tb *TokenBucket) Capacity() float64 {
	return tb.capacity
}
