package icestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("batcher stopped")

// Uploader persists a batch of records.
type Uploader interface {
	UploadBatch(ctx context.Context, records []ArchivedLog) error
}

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	UploadTimeout time.Duration
}

// Batcher accumulates records and hands them to an Uploader once BatchSize
// records are pending, when FlushInterval elapses, or on Stop.
type Batcher struct {
	config   BatcherConfig
	uploader Uploader
	clock    clock.Clock
	logger   zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	input   chan []ArchivedLog
	wg      sync.WaitGroup
}

// NewBatcher creates a Batcher. A nil clock uses the wall clock.
func NewBatcher(config BatcherConfig, uploader Uploader, clk clock.Clock, logger zerolog.Logger) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Batcher{
		config:   config,
		uploader: uploader,
		clock:    clk,
		logger:   logger.With().Str("component", "LogArchiveBatcher").Logger(),
		input:    make(chan []ArchivedLog, 64),
	}
}

// Start runs the batching worker until Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	b.logger.Info().Int("batch_size", b.config.BatchSize).Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting log archive batcher.")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Add queues records. It blocks while the input buffer is full, or until ctx
// is done. After Stop it returns ErrStopped.
func (b *Batcher) Add(ctx context.Context, records []ArchivedLog) error {
	if len(records) == 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}
	select {
	case b.input <- records:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes pending records and waits for the worker, bounded by ctx.
// Calling it again is a no-op.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.input)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info().Msg("Log archive batcher stopped.")
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for log archive batcher to stop.")
		return ctx.Err()
	}
}

func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clock.Ticker(b.config.FlushInterval)
	defer ticker.Stop()

	var pending []ArchivedLog
	flush := func(reason string) {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		// Shutdown flushes still get their own upload budget.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.UploadTimeout)
		defer cancel()
		if err := b.uploader.UploadBatch(uctx, batch); err != nil {
			b.logger.Error().Err(err).Int("batch_size", len(batch)).Str("reason", reason).Msg("Failed to upload log archive batch.")
			return
		}
		b.logger.Debug().Int("batch_size", len(batch)).Str("reason", reason).Msg("Flushed log archive batch.")
	}

	for {
		select {
		case <-ctx.Done():
			flush("shutdown")
			return
		case recs, ok := <-b.input:
			if !ok {
				flush("shutdown")
				return
			}
			pending = append(pending, recs...)
			if len(pending) >= b.config.BatchSize {
				flush("size")
				ticker.Reset(b.config.FlushInterval)
			}
		case <-ticker.C:
			flush("interval")
		}
	}
}
