package types

import (
	"encoding/json"
	"fmt"
)

// Item is a remote item definition. Fields beyond the common base set are
// kept in Details and flattened back out when encoded.
type Item struct {
	ID           int
	Name         string
	Description  string
	Type         string
	Level        int
	Rarity       string
	VendorValue  int
	GameTypes    []string
	Flags        []string
	Restrictions []string
	Details      map[string]any
}

type itemBase struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Type         string   `json:"type"`
	Level        int      `json:"level"`
	Rarity       string   `json:"rarity"`
	VendorValue  int      `json:"vendor_value"`
	GameTypes    []string `json:"game_types"`
	Flags        []string `json:"flags"`
	Restrictions []string `json:"restrictions"`
}

var itemBaseFields = []string{
	"id", "name", "description", "type", "level", "rarity",
	"vendor_value", "game_types", "flags", "restrictions",
}

// UnmarshalJSON splits the remote object into base fields and details.
func (i *Item) UnmarshalJSON(data []byte) error {
	var base itemBase
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decode item details: %w", err)
	}
	for _, f := range itemBaseFields {
		delete(all, f)
	}
	if len(all) == 0 {
		all = nil
	}
	*i = Item{
		ID:           base.ID,
		Name:         base.Name,
		Description:  base.Description,
		Type:         base.Type,
		Level:        base.Level,
		Rarity:       base.Rarity,
		VendorValue:  base.VendorValue,
		GameTypes:    base.GameTypes,
		Flags:        base.Flags,
		Restrictions: base.Restrictions,
		Details:      all,
	}
	return nil
}

// MarshalJSON merges Details back into the top-level object.
func (i Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Details)+len(itemBaseFields))
	for k, v := range i.Details {
		out[k] = v
	}
	b, err := json.Marshal(itemBase{
		ID:           i.ID,
		Name:         i.Name,
		Description:  i.Description,
		Type:         i.Type,
		Level:        i.Level,
		Rarity:       i.Rarity,
		VendorValue:  i.VendorValue,
		GameTypes:    i.GameTypes,
		Flags:        i.Flags,
		Restrictions: i.Restrictions,
	})
	if err != nil {
		return nil, err
	}
	var base map[string]any
	if err := json.Unmarshal(b, &base); err != nil {
		return nil, err
	}
	for k, v := range base {
		out[k] = v
	}
	return json.Marshal(out)
}
