// Package retry re-runs store writes that fail on transient lock contention.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
)

// Executor runs an operation up to MaxRetries times, backing off
// BaseDelay*2^attempt between attempts that failed on contention.
type Executor struct {
	maxRetries   int
	baseDelay    time.Duration
	isContention func(error) bool
	sleep        func(ctx context.Context, d time.Duration) error
	logger       zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithClassifier replaces the contention test.
func WithClassifier(f func(error) bool) Option {
	return func(e *Executor) {
		if f != nil {
			e.isContention = f
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if f != nil {
			e.sleep = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// IsContention reports whether err is store lock contention.
func IsContention(err error) bool {
	return errors.Is(err, store.ErrLocked)
}

// New creates an Executor with the defaults overridden by opts.
func New(opts ...Option) *Executor {
	e := &Executor{
		maxRetries:   DefaultMaxRetries,
		baseDelay:    DefaultBaseDelay,
		isContention: IsContention,
		sleep:        sleepCtx,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "RetryExecutor").Logger()
	return e
}

// Do runs fn. Contention failures are retried after a backoff; any other
// error is returned at once. After the last attempt the final contention
// error is returned wrapped, so errors.Is still identifies it.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !e.isContention(err) {
			return err
		}
		lastErr = err
		if attempt == e.maxRetries-1 {
			break
		}
		delay := e.baseDelay * time.Duration(1<<attempt)
		e.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Store contention, retrying.")
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	e.logger.Error().Err(lastErr).Str("op", op).Int("attempts", e.maxRetries).Msg("Giving up after repeated store contention.")
	return fmt.Errorf("%s failed after %d attempts: %w", op, e.maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
