// Package singleflight ensures that at most one upstream fetch per key is in
// flight at any time. Concurrent callers for the same key share the outcome
// of that fetch.
package singleflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/rs/zerolog"
)

// Store is the persistence the registry reads through and writes to.
// Get reports absence with an error wrapping store.ErrNotFound. Create reports
// a lost race with an error wrapping store.ErrConflict.
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, error)
	Create(ctx context.Context, key K, value V) error
}

// Result is the typed outcome of a fetch. Found is false when the remote
// authoritatively reports that the resource does not exist.
type Result[V any] struct {
	Value V
	Found bool
}

// FetchFunc retrieves one resource from the remote. A non-nil error is a
// transient failure; a definitive absence is a Result with Found false.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (Result[V], error)

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Registry deduplicates fetches per key.
type Registry[K comparable, V any] struct {
	store  Store[K, V]
	logger zerolog.Logger

	mu    sync.Mutex
	calls map[K]*call[V]
}

// New creates a registry that reads through store.
func New[K comparable, V any](s Store[K, V], logger zerolog.Logger) *Registry[K, V] {
	return &Registry[K, V]{
		store:  s,
		logger: logger.With().Str("component", "SingleFlightRegistry").Logger(),
		calls:  make(map[K]*call[V]),
	}
}

// GetOrFetch returns the stored value for key, fetching and persisting it when
// absent. When several callers miss at once, one of them fetches and the others
// wait for its outcome. If the remote reports the resource absent, the error
// wraps store.ErrNotFound.
func (r *Registry[K, V]) GetOrFetch(ctx context.Context, key K, fetch FetchFunc[K, V]) (V, error) {
	var zero V
	v, err := r.store.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return zero, err
	}

	r.mu.Lock()
	if c, ok := r.calls[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.value, c.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	c := &call[V]{done: make(chan struct{})}
	r.calls[key] = c
	r.mu.Unlock()

	r.lead(ctx, key, c, fetch)
	return c.value, c.err
}

// lead performs the fetch for c. The work is detached from the leader's
// cancellation so that followers still get a real outcome if the leader's
// caller goes away.
func (r *Registry[K, V]) lead(ctx context.Context, key K, c *call[V], fetch FetchFunc[K, V]) {
	defer func() {
		r.mu.Lock()
		if r.calls[key] == c {
			delete(r.calls, key)
		}
		r.mu.Unlock()
		close(c.done)
	}()
	defer func() {
		if p := recover(); p != nil {
			c.err = fmt.Errorf("fetch %v panicked: %v", key, p)
		}
	}()

	work := context.WithoutCancel(ctx)
	// A previous leader may have persisted between our miss and registration.
	if stored, err := r.store.Get(work, key); err == nil {
		c.value = stored
		return
	}
	res, err := fetch(work, key)
	if err != nil {
		r.logger.Warn().Err(err).Interface("key", key).Msg("Fetch failed.")
		c.err = err
		return
	}
	if !res.Found {
		c.err = fmt.Errorf("%v: %w", key, store.ErrNotFound)
		return
	}

	if err := r.store.Create(work, key, res.Value); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			c.err = fmt.Errorf("persist %v: %w", key, err)
			return
		}
		// Someone outside this registry stored it first; theirs wins.
		stored, getErr := r.store.Get(work, key)
		if getErr != nil {
			c.err = fmt.Errorf("re-read %v after conflict: %w", key, getErr)
			return
		}
		c.value = stored
		return
	}
	c.value = res.Value
}

// InFlight reports how many fetches are currently registered.
func (r *Registry[K, V]) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
