package bqstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("batch inserter stopped")

// BatchInserterConfig holds configuration for the BatchInserter.
type BatchInserterConfig struct {
	BatchSize     int
	FlushInterval time.Duration // How often to flush a partial batch.
	InsertTimeout time.Duration // Bound on a single InsertBatch call.
}

// BatchInserter buffers rows and hands them to a DataBatchInserter when the
// batch is full, when FlushInterval elapses, or on Stop.
type BatchInserter[T any] struct {
	config    BatchInserterConfig
	inserter  DataBatchInserter[T]
	clock     clock.Clock
	logger    zerolog.Logger
	mu        sync.RWMutex
	stopped   bool
	inputChan chan []*T
	wg        sync.WaitGroup
}

// NewBatcher creates a BatchInserter. Zero config values get defaults.
func NewBatcher[T any](
	config BatchInserterConfig,
	inserter DataBatchInserter[T],
	clk clock.Clock,
	logger zerolog.Logger,
) (*BatchInserter[T], error) {
	if inserter == nil {
		return nil, errors.New("inserter is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &BatchInserter[T]{
		config:    config,
		inserter:  inserter,
		clock:     clk,
		logger:    logger.With().Str("component", "BatchInserter").Logger(),
		inputChan: make(chan []*T, 64),
	}, nil
}

// Start runs the batching worker until Stop is called or ctx ends.
func (b *BatchInserter[T]) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting BatchInserter worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Add queues rows, blocking while the buffer is full or until ctx is done.
// After Stop it returns ErrStopped.
func (b *BatchInserter[T]) Add(ctx context.Context, rows []*T) error {
	if len(rows) == 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}
	select {
	case b.inputChan <- rows:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes what is pending and waits for the worker, bounded by ctx.
// Calling it again is a no-op.
func (b *BatchInserter[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.inputChan)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for BatchInserter worker to stop.")
		return ctx.Err()
	}
	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying data inserter")
	}
	b.logger.Info().Msg("BatchInserter stopped.")
	return nil
}

func (b *BatchInserter[T]) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*T, 0, b.config.BatchSize)
	ticker := b.clock.Ticker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx), batch)
			return

		case rows, ok := <-b.inputChan:
			if !ok {
				b.flush(ctx, batch)
				return
			}
			batch = append(batch, rows...)
			if len(batch) >= b.config.BatchSize {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.config.BatchSize)
				ticker.Reset(b.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.config.BatchSize)
			}
		}
	}
}

// flush inserts batch. A failed insert is logged and dropped; the rows remain
// in the mirror's own log store.
func (b *BatchInserter[T]) flush(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert batch.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed batch.")
}
