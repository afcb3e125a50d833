package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// ItemStore persists item definitions in the same database as the guilds.
type ItemStore struct {
	s *Store
}

// Items returns the item table view of s.
func (s *Store) Items() *ItemStore {
	return &ItemStore{s: s}
}

// Get returns the stored item or an error wrapping store.ErrNotFound.
func (i *ItemStore) Get(ctx context.Context, id int) (types.Item, error) {
	var payload []byte
	err := i.s.sqlDB.QueryRowContext(ctx, `SELECT payload FROM items WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return types.Item{}, classify(fmt.Sprintf("get item %d", id), err)
	}
	var item types.Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return types.Item{}, fmt.Errorf("decode item %d: %w", id, err)
	}
	return item, nil
}

// Create inserts the item. A concurrent insert of the same id yields
// store.ErrConflict.
func (i *ItemStore) Create(ctx context.Context, id int, item types.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %d: %w", id, err)
	}
	_, err = i.s.sqlDB.ExecContext(ctx,
		`INSERT INTO items (id, name, payload, fetched_at) VALUES (?, ?, ?, ?)`,
		id, item.Name, string(payload), time.Now().UTC().UnixMilli())
	return classify(fmt.Sprintf("create item %d", id), err)
}
