// Package enrichment decorates fetched guild logs with data the remote leaves
// out, such as the names of items referenced by stash and treasury entries.
package enrichment

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

// Fetcher is a generic function type for fetching data by a key.
type Fetcher[K any, V any] func(ctx context.Context, key K) (V, error)

// EntryEnricher returns entry with enrichment applied. It never fails: an
// entry that cannot be enriched is returned unchanged.
type EntryEnricher func(ctx context.Context, entry types.LogEntry) types.LogEntry

// KeyExtractor gets an enrichment key from a log entry.
type KeyExtractor[K comparable] func(entry types.LogEntry) (K, bool)

// Applier applies fetched data to a copy of the entry.
type Applier[V any] func(entry types.LogEntry, data V) types.LogEntry

// NewEnricherFunc builds an EntryEnricher from its three parts. Fetch failures
// are logged and leave the entry as it was.
func NewEnricherFunc[K comparable, V any](
	fetcher Fetcher[K, V],
	keyEx KeyExtractor[K],
	applier Applier[V],
	logger zerolog.Logger,
) (EntryEnricher, error) {
	if fetcher == nil || keyEx == nil || applier == nil {
		return nil, fmt.Errorf("fetcher, keyExtractor, and applier cannot be nil")
	}

	enrichLogger := logger.With().Str("component", "EnricherFunc").Logger()

	return func(ctx context.Context, entry types.LogEntry) types.LogEntry {
		key, ok := keyEx(entry)
		if !ok {
			return entry
		}
		data, err := fetcher(ctx, key)
		if err != nil {
			enrichLogger.Warn().Err(err).Int64("log_id", entry.ID).Msgf("Failed to fetch enrichment data for key '%v'", key)
			return entry
		}
		return applier(entry, data)
	}, nil
}

// ItemKey extracts the referenced item id from stash, treasury and upgrade
// entries that do not carry a name yet.
func ItemKey(entry types.LogEntry) (int, bool) {
	ref, ok := entry.Detail.(types.ItemReference)
	if !ok || ref.ResolvedName() != "" {
		return 0, false
	}
	return ref.ReferencedItem()
}

// ApplyItemName sets the item name on the entry's detail.
func ApplyItemName(entry types.LogEntry, name string) types.LogEntry {
	if ref, ok := entry.Detail.(types.ItemReference); ok && name != "" {
		entry.Detail = ref.WithItemName(name)
	}
	return entry
}
