// Package store defines the persistence collaborator of the mirror: guilds,
// their child collections and the lottery tables, all mutated inside a single
// atomic unit of work.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create loses against a concurrent writer.
	ErrConflict = errors.New("conflict")
	// ErrLocked signals transient lock contention. Callers may retry.
	ErrLocked = errors.New("store is locked")
	// ErrUnknownCollection is returned for a collection name the store does
	// not know.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Collection names a child collection of a guild.
type Collection string

const (
	Ranks   Collection = "ranks"
	Members Collection = "members"
	Logs    Collection = "logs"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Ranks, Members, Logs:
		return true
	}
	return false
}

// Changes is the write set for one child collection.
type Changes struct {
	Insert []types.Child
	Update []types.Child
	Delete []string
}

// Empty reports whether there is nothing to write.
func (c Changes) Empty() bool {
	return len(c.Insert) == 0 && len(c.Update) == 0 && len(c.Delete) == 0
}

// Reader is the read-only view used outside transactions.
type Reader interface {
	GetGuild(ctx context.Context, id string) (types.Guild, error)
	ListGuilds(ctx context.Context) ([]types.Guild, error)
	GetChildren(ctx context.Context, guildID string, c Collection) ([]types.Child, error)
}

// Store persists guilds. Update runs fn as one atomic unit: either every write
// made through the Tx becomes visible or none does.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx is the transactional view handed to Store.Update callbacks.
type Tx interface {
	GetGuild(ctx context.Context, id string) (types.Guild, error)
	PutGuild(ctx context.Context, g types.Guild) error
	GetChildren(ctx context.Context, guildID string, c Collection) ([]types.Child, error)
	// ExistingKeys returns the subset of keys already stored in the collection.
	ExistingKeys(ctx context.Context, guildID string, c Collection, keys []string) (map[string]bool, error)
	WriteChildren(ctx context.Context, guildID string, c Collection, ch Changes) error
	// RemoveGuild deletes a guild and all of its children.
	RemoveGuild(ctx context.Context, id string) error
	// MergeAccounts moves every membership of account from onto account to and
	// returns how many memberships were moved. Where to is already a member of
	// the guild, from's membership is dropped.
	MergeAccounts(ctx context.Context, from, to string) (int, error)
}

// LotteryStore persists lottery entries and winners.
type LotteryStore interface {
	// WithRowLock runs fn in a write transaction that holds the rows it reads
	// until it returns.
	WithRowLock(ctx context.Context, fn func(ctx context.Context, tx LotteryTx) error) error
	Stats(ctx context.Context, year, week int, recentWinners int) (LotteryStats, error)
}

// LotteryTx is the transactional view for lottery writes.
type LotteryTx interface {
	// IsOfficer reports whether account holds any of ranks in any guild.
	IsOfficer(ctx context.Context, account string, ranks []string) (bool, error)
	GetEntry(ctx context.Context, account string, year, week int) (types.LotteryEntry, error)
	// PutEntry inserts the entry when its ID is zero and updates it otherwise.
	PutEntry(ctx context.Context, e types.LotteryEntry) (types.LotteryEntry, error)
	EntriesForWeek(ctx context.Context, year, week int) ([]types.LotteryEntry, error)
	InsertWinner(ctx context.Context, w types.LotteryWinner) (types.LotteryWinner, error)
	GetWinner(ctx context.Context, id int64) (types.LotteryWinner, error)
	MarkWinnerPaid(ctx context.Context, id int64, at time.Time) (types.LotteryWinner, error)
}

// LotteryStats summarises the current week's pot.
type LotteryStats struct {
	TotalLots     int                   `json:"total_lots"`
	EntryCount    int                   `json:"entry_count"`
	RecentWinners []types.LotteryWinner `json:"recent_winners"`
}
