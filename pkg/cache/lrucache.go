package cache

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
)

// LRUStore keeps the most recently used values of a backing store in memory.
// Reads that miss the front are served from the backing store and remembered;
// creates go to the backing store first and are remembered only on success.
type LRUStore[K comparable, V any] struct {
	backing singleflight.Store[K, V]
	front   *lru.Cache[K, V]
}

// NewLRUStore creates an LRU front of at most maxSize values over backing.
func NewLRUStore[K comparable, V any](maxSize int, backing singleflight.Store[K, V]) (*LRUStore[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if backing == nil {
		return nil, errors.New("backing store is required")
	}
	front, err := lru.New[K, V](maxSize)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &LRUStore[K, V]{backing: backing, front: front}, nil
}

// Get returns the value from memory or the backing store.
func (c *LRUStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.front.Get(key); ok {
		return v, nil
	}
	value, err := c.backing.Get(ctx, key)
	if err != nil {
		return value, err
	}
	c.front.Add(key, value)
	return value, nil
}

// Create writes through to the backing store.
func (c *LRUStore[K, V]) Create(ctx context.Context, key K, value V) error {
	if err := c.backing.Create(ctx, key, value); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.Invalidate(key)
		}
		return err
	}
	c.front.Add(key, value)
	return nil
}

// Invalidate drops key from memory only.
func (c *LRUStore[K, V]) Invalidate(key K) {
	c.front.Remove(key)
}

// Len reports how many values are held in memory.
func (c *LRUStore[K, V]) Len() int {
	return c.front.Len()
}
