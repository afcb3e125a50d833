package cache

import (
	"context"
	"io"
)

// PresenceCache holds ephemeral state with no source of truth to fall back
// on, such as the refresh status of a guild. Fetch of an absent key returns an
// error wrapping ErrCacheMiss.
type PresenceCache[K comparable, V any] interface {
	Set(ctx context.Context, key K, value V) error
	Fetch(ctx context.Context, key K) (V, error)
	Delete(ctx context.Context, key K) error
	io.Closer
}
