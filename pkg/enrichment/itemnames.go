package enrichment

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

// ItemLookup resolves batches of items. Unknown ids are absent from the map.
type ItemLookup interface {
	GetMany(ctx context.Context, ids []int) (map[int]types.Item, error)
}

// ItemNameEnricher fills item names into logs before they are merged. Ids are
// resolved in one batch per refresh.
type ItemNameEnricher struct {
	lookup ItemLookup
	logger zerolog.Logger
}

// NewItemNameEnricher creates an ItemNameEnricher.
func NewItemNameEnricher(lookup ItemLookup, logger zerolog.Logger) *ItemNameEnricher {
	return &ItemNameEnricher{
		lookup: lookup,
		logger: logger.With().Str("component", "ItemNameEnricher").Logger(),
	}
}

// EnrichLogs returns logs with item names filled in where they resolved.
// Partial lookup failures are logged; the affected entries stay unnamed.
func (e *ItemNameEnricher) EnrichLogs(ctx context.Context, logs []types.LogEntry) []types.LogEntry {
	var ids []int
	seen := make(map[int]bool)
	for _, l := range logs {
		if id, ok := ItemKey(l); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return logs
	}

	resolved, err := e.lookup.GetMany(ctx, ids)
	if err != nil {
		e.logger.Warn().Err(err).Int("requested", len(ids)).Int("resolved", len(resolved)).Msg("Some item names could not be resolved.")
	}

	fetch := func(_ context.Context, id int) (string, error) {
		item, ok := resolved[id]
		if !ok {
			return "", fmt.Errorf("item %d not resolved", id)
		}
		return item.Name, nil
	}
	enrich, err := NewEnricherFunc[int, string](fetch, ItemKey, ApplyItemName, zerolog.Nop())
	if err != nil {
		return logs
	}

	out := make([]types.LogEntry, len(logs))
	for i, l := range logs {
		out[i] = enrich(ctx, l)
	}
	return out
}
