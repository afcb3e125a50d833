package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore is a singleflight.Store over one Firestore collection,
// suited to low volume deployments sharing items between instances.
type FirestoreStore[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore. The client's lifecycle stays
// with the caller.
func NewFirestoreStore[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")
	return &FirestoreStore[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Get retrieves a single document by key.
func (s *FirestoreStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("document %s: %w", stringKey, store.ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("firestore DataTo for %s: %w", stringKey, err)
	}
	return value, nil
}

// Create writes the document only if it does not exist yet.
func (s *FirestoreStore[K, V]) Create(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	_, err := s.client.Collection(s.collectionName).Doc(stringKey).Create(ctx, value)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("document %s: %w", stringKey, store.ErrConflict)
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to create document in Firestore.")
		return fmt.Errorf("firestore create for %s: %w", stringKey, err)
	}
	s.logger.Debug().Str("key", stringKey).Msg("Created document in Firestore.")
	return nil
}
