package enrichment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/illmade-knight/go-guildmirror/pkg/enrichment"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stashEntry(id int64, itemID int) types.LogEntry {
	return types.LogEntry{
		ID:     id,
		Type:   types.LogStash,
		User:   "a.1234",
		Detail: types.StashDetail{Operation: "deposit", ItemID: itemID, Count: 1},
	}
}

func TestNewEnricherFunc(t *testing.T) {
	ctx := context.Background()

	t.Run("Success case", func(t *testing.T) {
		// Arrange
		mockFetcher := func(ctx context.Context, key int) (string, error) {
			if key == 19721 {
				return "Glob of Ectoplasm", nil
			}
			return "", errors.New("item not found")
		}
		enrich, err := enrichment.NewEnricherFunc(mockFetcher, enrichment.ItemKey, enrichment.ApplyItemName, zerolog.Nop())
		require.NoError(t, err)

		// Act
		got := enrich(ctx, stashEntry(1, 19721))

		// Assert
		detail, ok := got.Detail.(types.StashDetail)
		require.True(t, ok)
		assert.Equal(t, "Glob of Ectoplasm", detail.ItemName)
	})

	t.Run("Entry without an item reference", func(t *testing.T) {
		mockFetcher := func(ctx context.Context, key int) (string, error) {
			t.Error("Fetcher should not be called without a key")
			return "", nil
		}
		enrich, err := enrichment.NewEnricherFunc(mockFetcher, enrichment.ItemKey, enrichment.ApplyItemName, zerolog.Nop())
		require.NoError(t, err)

		entry := types.LogEntry{ID: 2, Type: types.LogJoin, Detail: types.JoinDetail{}}
		assert.Equal(t, entry, enrich(ctx, entry))

		coinsOnly := stashEntry(3, 0)
		assert.Equal(t, coinsOnly, enrich(ctx, coinsOnly))
	})

	t.Run("Fetcher fails", func(t *testing.T) {
		mockFetcher := func(ctx context.Context, key int) (string, error) {
			return "", errors.New("remote down")
		}
		enrich, err := enrichment.NewEnricherFunc(mockFetcher, enrichment.ItemKey, enrichment.ApplyItemName, zerolog.Nop())
		require.NoError(t, err)

		entry := stashEntry(4, 24)
		assert.Equal(t, entry, enrich(ctx, entry), "Entries are left unchanged on failure")
	})

	t.Run("Nil dependencies", func(t *testing.T) {
		_, err := enrichment.NewEnricherFunc[int, string](nil, enrichment.ItemKey, enrichment.ApplyItemName, zerolog.Nop())
		require.Error(t, err)
	})
}

type fakeLookup struct {
	items    map[int]types.Item
	err      error
	requests [][]int
}

func (f *fakeLookup) GetMany(_ context.Context, ids []int) (map[int]types.Item, error) {
	f.requests = append(f.requests, ids)
	out := make(map[int]types.Item)
	for _, id := range ids {
		if it, ok := f.items[id]; ok {
			out[id] = it
		}
	}
	return out, f.err
}

func TestItemNameEnricher(t *testing.T) {
	// Arrange
	upgradeItem := 70
	lookup := &fakeLookup{
		items: map[int]types.Item{
			24: {ID: 24, Name: "Sealed Package of Snowballs"},
			70: {ID: 70, Name: "Guild Banner"},
		},
		err: errors.New("item 99: remote 503"),
	}
	logs := []types.LogEntry{
		stashEntry(1, 24),
		stashEntry(2, 24),
		{ID: 3, Type: types.LogTreasury, Detail: types.TreasuryDetail{ItemID: 99, Count: 5}},
		{ID: 4, Type: types.LogUpgrade, Detail: types.UpgradeDetail{Action: "queued", ItemID: &upgradeItem}},
		{ID: 5, Type: types.LogJoin, Detail: types.JoinDetail{}},
	}
	e := enrichment.NewItemNameEnricher(lookup, zerolog.Nop())

	// Act
	out := e.EnrichLogs(context.Background(), logs)

	// Assert
	require.Len(t, lookup.requests, 1, "Ids are resolved in one batch")
	assert.ElementsMatch(t, []int{24, 99, 70}, lookup.requests[0])

	require.Len(t, out, 5)
	assert.Equal(t, "Sealed Package of Snowballs", out[0].Detail.(types.StashDetail).ItemName)
	assert.Equal(t, "Sealed Package of Snowballs", out[1].Detail.(types.StashDetail).ItemName)
	assert.Empty(t, out[2].Detail.(types.TreasuryDetail).ItemName, "Unresolved items stay unnamed")
	assert.Equal(t, "Guild Banner", out[3].Detail.(types.UpgradeDetail).UpgradeName)
	assert.Equal(t, logs[4], out[4])
	assert.Empty(t, logs[0].Detail.(types.StashDetail).ItemName, "Input is not modified")
}

func TestItemNameEnricher_NoReferences(t *testing.T) {
	lookup := &fakeLookup{}
	e := enrichment.NewItemNameEnricher(lookup, zerolog.Nop())
	logs := []types.LogEntry{{ID: 1, Type: types.LogJoin, Detail: types.JoinDetail{}}}

	out := e.EnrichLogs(context.Background(), logs)

	assert.Equal(t, logs, out)
	assert.Empty(t, lookup.requests)
}

func TestItemKey_SkipsNamedEntries(t *testing.T) {
	upgradeItem := 70
	testCases := []struct {
		name   string
		entry  types.LogEntry
		wantID int
		wantOK bool
	}{
		{name: "Unnamed stash", entry: stashEntry(1, 24), wantID: 24, wantOK: true},
		{name: "Named stash", entry: types.LogEntry{ID: 2, Detail: types.StashDetail{ItemID: 24, ItemName: "Snowball"}}},
		{name: "Named treasury", entry: types.LogEntry{ID: 3, Detail: types.TreasuryDetail{ItemID: 99, ItemName: "Ore"}}},
		{name: "Named upgrade", entry: types.LogEntry{ID: 4, Detail: types.UpgradeDetail{ItemID: &upgradeItem, UpgradeName: "Guild Banner"}}},
		{name: "Coins only", entry: stashEntry(5, 0)},
		{name: "No item reference", entry: types.LogEntry{ID: 6, Detail: types.JoinDetail{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := enrichment.ItemKey(tc.entry)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantID, id)
		})
	}
}

func TestItemNameEnricher_KeepsExistingNames(t *testing.T) {
	lookup := &fakeLookup{items: map[int]types.Item{24: {ID: 24, Name: "Renamed"}}}
	e := enrichment.NewItemNameEnricher(lookup, zerolog.Nop())
	named := types.LogEntry{ID: 1, Type: types.LogStash, Detail: types.StashDetail{ItemID: 24, ItemName: "Snowball"}}

	out := e.EnrichLogs(context.Background(), []types.LogEntry{named})

	assert.Equal(t, []types.LogEntry{named}, out)
	assert.Empty(t, lookup.requests)
}
