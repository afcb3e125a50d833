package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

type memoryState struct {
	guilds   map[string]types.Guild
	children map[string]map[Collection]map[string]types.Child

	entries      map[int64]types.LotteryEntry
	winners      map[int64]types.LotteryWinner
	nextEntryID  int64
	nextWinnerID int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		guilds:       maps.Clone(s.guilds),
		children:     make(map[string]map[Collection]map[string]types.Child, len(s.children)),
		entries:      maps.Clone(s.entries),
		winners:      maps.Clone(s.winners),
		nextEntryID:  s.nextEntryID,
		nextWinnerID: s.nextWinnerID,
	}
	for id, cols := range s.children {
		cc := make(map[Collection]map[string]types.Child, len(cols))
		for name, items := range cols {
			cc[name] = maps.Clone(items)
		}
		c.children[id] = cc
	}
	return c
}

// MemoryStore is a Store and LotteryStore kept in process memory. Update and
// WithRowLock work on a private copy of the state that replaces the live one
// only when the callback succeeds. Stored values are immutable value types, so
// readers never observe a partially applied unit of work.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		guilds:   make(map[string]types.Guild),
		children: make(map[string]map[Collection]map[string]types.Child),
		entries:  make(map[int64]types.LotteryEntry),
		winners:  make(map[int64]types.LotteryWinner),
	}}
}

func (m *MemoryStore) GetGuild(ctx context.Context, id string) (types.Guild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&memoryTx{s: m.state}).GetGuild(ctx, id)
}

func (m *MemoryStore) ListGuilds(_ context.Context) ([]types.Guild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.state.guilds))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetChildren(ctx context.Context, guildID string, c Collection) ([]types.Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&memoryTx{s: m.state}).GetChildren(ctx, guildID, c)
}

// Update runs fn against a copy of the state and swaps it in on success.
func (m *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{s: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

// WithRowLock runs fn with the whole store locked for writing.
func (m *MemoryStore) WithRowLock(ctx context.Context, fn func(ctx context.Context, tx LotteryTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{s: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, year, week int, recentWinners int) (LotteryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx := &memoryTx{s: m.state}
	entries, err := tx.EntriesForWeek(ctx, year, week)
	if err != nil {
		return LotteryStats{}, err
	}
	stats := LotteryStats{EntryCount: len(entries)}
	for _, e := range entries {
		stats.TotalLots += e.Lots
	}
	winners := slices.Collect(maps.Values(m.state.winners))
	sort.Slice(winners, func(i, j int) bool { return winners[i].ID > winners[j].ID })
	if len(winners) > recentWinners {
		winners = winners[:recentWinners]
	}
	stats.RecentWinners = winners
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

type memoryTx struct {
	s *memoryState
}

func (t *memoryTx) GetGuild(_ context.Context, id string) (types.Guild, error) {
	g, ok := t.s.guilds[id]
	if !ok {
		return types.Guild{}, fmt.Errorf("guild %s: %w", id, ErrNotFound)
	}
	return g, nil
}

func (t *memoryTx) PutGuild(_ context.Context, g types.Guild) error {
	t.s.guilds[g.ID] = g
	return nil
}

func (t *memoryTx) collection(guildID string, c Collection, create bool) (map[string]types.Child, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%q: %w", c, ErrUnknownCollection)
	}
	cols, ok := t.s.children[guildID]
	if !ok {
		if !create {
			return nil, nil
		}
		cols = make(map[Collection]map[string]types.Child)
		t.s.children[guildID] = cols
	}
	items, ok := cols[c]
	if !ok && create {
		items = make(map[string]types.Child)
		cols[c] = items
	}
	return items, nil
}

func (t *memoryTx) GetChildren(_ context.Context, guildID string, c Collection) ([]types.Child, error) {
	items, err := t.collection(guildID, c, false)
	if err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(items))
	sortChildren(c, out)
	return out, nil
}

func (t *memoryTx) ExistingKeys(_ context.Context, guildID string, c Collection, keys []string) (map[string]bool, error) {
	items, err := t.collection(guildID, c, false)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for _, k := range keys {
		if _, ok := items[k]; ok {
			found[k] = true
		}
	}
	return found, nil
}

func (t *memoryTx) WriteChildren(_ context.Context, guildID string, c Collection, ch Changes) error {
	items, err := t.collection(guildID, c, true)
	if err != nil {
		return err
	}
	for _, child := range ch.Insert {
		if err := checkChildType(c, child); err != nil {
			return err
		}
		if _, exists := items[child.ChildKey()]; exists {
			return fmt.Errorf("insert %s %s: %w", c, child.ChildKey(), ErrConflict)
		}
		items[child.ChildKey()] = child
	}
	for _, child := range ch.Update {
		if err := checkChildType(c, child); err != nil {
			return err
		}
		items[child.ChildKey()] = child
	}
	for _, key := range ch.Delete {
		delete(items, key)
	}
	return nil
}

func (t *memoryTx) RemoveGuild(_ context.Context, id string) error {
	if _, ok := t.s.guilds[id]; !ok {
		return fmt.Errorf("guild %s: %w", id, ErrNotFound)
	}
	delete(t.s.guilds, id)
	delete(t.s.children, id)
	return nil
}

func (t *memoryTx) MergeAccounts(_ context.Context, from, to string) (int, error) {
	moved := 0
	for _, cols := range t.s.children {
		members := cols[Members]
		child, ok := members[from]
		if !ok {
			continue
		}
		delete(members, from)
		if _, exists := members[to]; exists {
			continue
		}
		m := child.(types.Member)
		m.Name = to
		members[to] = m
		moved++
	}
	return moved, nil
}

func (t *memoryTx) IsOfficer(_ context.Context, account string, ranks []string) (bool, error) {
	for _, cols := range t.s.children {
		child, ok := cols[Members][account]
		if !ok {
			continue
		}
		if slices.Contains(ranks, child.(types.Member).Rank) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) GetEntry(_ context.Context, account string, year, week int) (types.LotteryEntry, error) {
	for _, e := range t.s.entries {
		if e.AccountName == account && e.Year == year && e.Week == week {
			return e, nil
		}
	}
	return types.LotteryEntry{}, fmt.Errorf("lottery entry %s %d-W%02d: %w", account, year, week, ErrNotFound)
}

func (t *memoryTx) PutEntry(_ context.Context, e types.LotteryEntry) (types.LotteryEntry, error) {
	if e.ID == 0 {
		t.s.nextEntryID++
		e.ID = t.s.nextEntryID
	} else if _, ok := t.s.entries[e.ID]; !ok {
		return types.LotteryEntry{}, fmt.Errorf("lottery entry %d: %w", e.ID, ErrNotFound)
	}
	t.s.entries[e.ID] = e
	return e, nil
}

func (t *memoryTx) EntriesForWeek(_ context.Context, year, week int) ([]types.LotteryEntry, error) {
	var out []types.LotteryEntry
	for _, e := range t.s.entries {
		if e.Year == year && e.Week == week {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) InsertWinner(_ context.Context, w types.LotteryWinner) (types.LotteryWinner, error) {
	t.s.nextWinnerID++
	w.ID = t.s.nextWinnerID
	t.s.winners[w.ID] = w
	return w, nil
}

func (t *memoryTx) GetWinner(_ context.Context, id int64) (types.LotteryWinner, error) {
	w, ok := t.s.winners[id]
	if !ok {
		return types.LotteryWinner{}, fmt.Errorf("lottery winner %d: %w", id, ErrNotFound)
	}
	return w, nil
}

func (t *memoryTx) MarkWinnerPaid(ctx context.Context, id int64, at time.Time) (types.LotteryWinner, error) {
	w, err := t.GetWinner(ctx, id)
	if err != nil {
		return types.LotteryWinner{}, err
	}
	w.PaidOut = true
	w.PaidAt = &at
	t.s.winners[id] = w
	return w, nil
}

func checkChildType(c Collection, child types.Child) error {
	var ok bool
	switch c {
	case Ranks:
		_, ok = child.(types.Rank)
	case Members:
		_, ok = child.(types.Member)
	case Logs:
		_, ok = child.(types.LogEntry)
	}
	if !ok {
		return fmt.Errorf("%T does not belong in %s", child, c)
	}
	return nil
}

// sortChildren orders logs by id and the other collections by key.
func sortChildren(c Collection, children []types.Child) {
	if c == Logs {
		sort.Slice(children, func(i, j int) bool {
			return children[i].(types.LogEntry).ID < children[j].(types.LogEntry).ID
		})
		return
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ChildKey() < children[j].ChildKey() })
}

// LogKeys formats log ids the way Logs children are keyed.
func LogKeys(logs []types.LogEntry) []string {
	keys := make([]string, len(logs))
	for i, l := range logs {
		keys[i] = strconv.FormatInt(l.ID, 10)
	}
	return keys
}
