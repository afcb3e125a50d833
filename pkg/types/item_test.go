package types_test

import (
	"encoding/json"
	"testing"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_DetailsAreKept(t *testing.T) {
	raw := `{"id":19721,"name":"Glob of Ectoplasm","type":"CraftingMaterial","level":0,"rarity":"Exotic",
		"vendor_value":256,"game_types":["Wvw","Dungeon"],"flags":[],"restrictions":[],
		"chat_link":"[&AgEJTQAA]","icon":"https://example.invalid/ecto.png"}`

	var item types.Item
	require.NoError(t, json.Unmarshal([]byte(raw), &item))

	assert.Equal(t, 19721, item.ID)
	assert.Equal(t, "Exotic", item.Rarity)
	assert.Equal(t, 256, item.VendorValue)
	assert.Equal(t, "[&AgEJTQAA]", item.Details["chat_link"])
	assert.NotContains(t, item.Details, "name", "Base fields are not duplicated in Details")

	out, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}
