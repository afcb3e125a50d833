// Package cache provides the key-value stores the mirror reads through: item
// stores for single-flight lookups and presence caches for refresh status.
package cache

import (
	"errors"

	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// ErrCacheMiss is returned by presence caches for an absent key.
var ErrCacheMiss = errors.New("key not found in presence cache")

// ItemStore is the single-flight store contract specialised for items.
type ItemStore = singleflight.Store[int, types.Item]

var (
	_ ItemStore = (*InMemoryStore[int, types.Item])(nil)
	_ ItemStore = (*LRUStore[int, types.Item])(nil)
	_ ItemStore = (*RedisStore[int, types.Item])(nil)
	_ ItemStore = (*FirestoreStore[int, types.Item])(nil)
)
