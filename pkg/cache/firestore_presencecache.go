package cache

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestorePresenceCache is a PresenceCache stored as one document per key,
// for deployments that share refresh status without running Redis.
type FirestorePresenceCache[K comparable, V any] struct {
	coll   *firestore.CollectionRef
	logger zerolog.Logger
}

// NewFirestorePresenceCache creates a FirestorePresenceCache writing to
// cfg.CollectionName.
func NewFirestorePresenceCache[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestorePresenceCache[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("collection name is required")
	}
	return &FirestorePresenceCache[K, V]{
		coll:   client.Collection(cfg.CollectionName),
		logger: logger.With().Str("component", "FirestorePresenceCache").Logger(),
	}, nil
}

func (c *FirestorePresenceCache[K, V]) doc(key K) *firestore.DocumentRef {
	return c.coll.Doc(fmt.Sprintf("%v", key))
}

// Set overwrites the document for key.
func (c *FirestorePresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	if _, err := c.doc(key).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set presence for key %v: %w", key, err)
	}
	return nil
}

// Fetch reads the document for key.
func (c *FirestorePresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	snap, err := c.doc(key).Get(ctx)
	switch {
	case status.Code(err) == codes.NotFound:
		return zero, fmt.Errorf("key '%v': %w", key, ErrCacheMiss)
	case err != nil:
		c.logger.Warn().Err(err).Interface("key", key).Msg("Firestore presence read failed.")
		return zero, fmt.Errorf("firestore get presence for key %v: %w", key, err)
	}
	var value V
	if err := snap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("decode presence for key %v: %w", key, err)
	}
	return value, nil
}

// Delete removes the document; a missing document is not an error.
func (c *FirestorePresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	_, err := c.doc(key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete presence for key %v: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (c *FirestorePresenceCache[K, V]) Close() error {
	return nil
}
