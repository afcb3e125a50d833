package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLogEntry(t *testing.T) {
	when := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name string
		raw  string
		want types.LogDetail
	}{
		{
			name: "stash deposit",
			raw:  `{"id":1,"time":"2024-03-04T10:00:00Z","type":"stash","user":"a.1234","operation":"deposit","item_id":0,"count":0,"coins":50000}`,
			want: types.StashDetail{Operation: "deposit", Coins: 50000},
		},
		{
			name: "rank change",
			raw:  `{"id":2,"time":"2024-03-04T10:00:00Z","type":"rank_change","user":"a.1234","changed_by":"b.5678","old_rank":"Member","new_rank":"Officer"}`,
			want: types.RankChangeDetail{ChangedBy: "b.5678", OldRank: "Member", NewRank: "Officer"},
		},
		{
			name: "kick",
			raw:  `{"id":3,"time":"2024-03-04T10:00:00Z","type":"kick","user":"a.1234","kicked_by":"b.5678"}`,
			want: types.KickDetail{KickedBy: "b.5678"},
		},
		{
			name: "joined",
			raw:  `{"id":4,"time":"2024-03-04T10:00:00Z","type":"joined","user":"a.1234"}`,
			want: types.JoinDetail{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entry, err := types.DecodeLogEntry([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, "a.1234", entry.User)
			assert.True(t, when.Equal(entry.Time))
			assert.Equal(t, tc.want, entry.Detail)
			assert.Equal(t, tc.want.Kind(), entry.Type)
		})
	}
}

func TestDecodeLogEntry_Unrecognized(t *testing.T) {
	raw := `{"id":9,"time":"2024-03-04T10:00:00Z","type":"new_thing","user":"a.1234","weird":true}`

	entry, err := types.DecodeLogEntry([]byte(raw))

	require.NoError(t, err)
	detail, ok := entry.Detail.(types.UnrecognizedDetail)
	require.True(t, ok)
	assert.Equal(t, "new_thing", detail.RawType)
	assert.JSONEq(t, raw, string(detail.Raw))
	assert.False(t, types.IsKnownLogKind(entry.Type))
}

func TestDecodeLogEntry_Malformed(t *testing.T) {
	_, err := types.DecodeLogEntry([]byte(`{"id":"not a number"}`))
	require.Error(t, err)

	_, err = types.DecodeLogEntry([]byte(`{"time":"2024-03-04T10:00:00Z","type":"joined"}`))
	require.Error(t, err, "Entries without an id are rejected")
}

func TestLogEntry_MarshalFlat(t *testing.T) {
	count := 3
	entry := types.LogEntry{
		ID:     42,
		Time:   time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Type:   types.LogUpgrade,
		User:   "a.1234",
		Detail: types.UpgradeDetail{Action: "completed", Count: &count},
	}

	b, err := json.Marshal(entry)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, float64(42), flat["id"])
	assert.Equal(t, "upgrade", flat["type"])
	assert.Equal(t, "completed", flat["action"])

	var back types.LogEntry
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, entry.Detail, back.Detail)
	assert.Equal(t, "42", back.ChildKey())
}

func TestItemReference(t *testing.T) {
	var d types.LogDetail = types.TreasuryDetail{ItemID: 24, Count: 1}
	ref, ok := d.(types.ItemReference)
	require.True(t, ok)

	id, ok := ref.ReferencedItem()
	require.True(t, ok)
	assert.Equal(t, 24, id)
	assert.Equal(t, "Snowball", ref.WithItemName("Snowball").(types.TreasuryDetail).ItemName)

	_, ok = types.UpgradeDetail{Action: "queued"}.ReferencedItem()
	assert.False(t, ok)
}
