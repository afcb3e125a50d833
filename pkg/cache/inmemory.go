package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
)

// InMemoryStore is a thread-safe map satisfying singleflight.Store.
type InMemoryStore[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore[K comparable, V any]() *InMemoryStore[K, V] {
	return &InMemoryStore[K, V]{
		data: make(map[K]V),
	}
}

// Get retrieves a value.
func (c *InMemoryStore[K, V]) Get(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v': %w", key, store.ErrNotFound)
	}
	return value, nil
}

// Create stores a value unless the key is already present.
func (c *InMemoryStore[K, V]) Create(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return fmt.Errorf("key '%v': %w", key, store.ErrConflict)
	}
	c.data[key] = value
	return nil
}

// Len reports the number of stored values.
func (c *InMemoryStore[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
