// Package merge reconciles freshly fetched guild state against what is
// stored. Ranks and members are replaced as sets; logs are append-only.
package merge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// ErrAppendOnly is returned when a replace is requested for the log collection.
var ErrAppendOnly = errors.New("collection is append-only")

// Reconcile computes the changes turning stored into fresh. Entities present
// in both are updated only when they differ, keeping their identity.
func Reconcile(stored, fresh []types.Child) store.Changes {
	existing := make(map[string]types.Child, len(stored))
	for _, c := range stored {
		existing[c.ChildKey()] = c
	}

	var ch store.Changes
	seen := make(map[string]bool, len(fresh))
	for _, c := range fresh {
		key := c.ChildKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		old, ok := existing[key]
		switch {
		case !ok:
			ch.Insert = append(ch.Insert, c)
		case !reflect.DeepEqual(old, c):
			ch.Update = append(ch.Update, c)
		}
	}
	for _, c := range stored {
		if !seen[c.ChildKey()] {
			ch.Delete = append(ch.Delete, c.ChildKey())
		}
	}
	return ch
}

// AppendOnly selects the fetched logs whose ids are not yet stored and
// computes the new cursor. The cursor never moves backwards.
func AppendOnly(existing map[string]bool, fresh []types.LogEntry, cursor int64) ([]types.LogEntry, int64) {
	var inserts []types.LogEntry
	seen := make(map[int64]bool, len(fresh))
	for _, l := range fresh {
		if l.ID > cursor {
			cursor = l.ID
		}
		if seen[l.ID] || existing[l.ChildKey()] {
			continue
		}
		seen[l.ID] = true
		inserts = append(inserts, l)
	}
	return inserts, cursor
}

// ReplaceChildren makes the stored collection equal to fresh.
func ReplaceChildren(ctx context.Context, tx store.Tx, guildID string, c store.Collection, fresh []types.Child) (store.Changes, error) {
	switch c {
	case store.Ranks, store.Members:
	case store.Logs:
		return store.Changes{}, fmt.Errorf("replace %s: %w", c, ErrAppendOnly)
	default:
		return store.Changes{}, fmt.Errorf("replace %q: %w", c, store.ErrUnknownCollection)
	}

	stored, err := tx.GetChildren(ctx, guildID, c)
	if err != nil {
		return store.Changes{}, fmt.Errorf("load %s: %w", c, err)
	}
	ch := Reconcile(stored, fresh)
	if ch.Empty() {
		return ch, nil
	}
	if err := tx.WriteChildren(ctx, guildID, c, ch); err != nil {
		return store.Changes{}, fmt.Errorf("write %s: %w", c, err)
	}
	return ch, nil
}

// AppendLogs inserts unseen logs and returns them with the new cursor.
func AppendLogs(ctx context.Context, tx store.Tx, guildID string, logs []types.LogEntry, cursor int64) ([]types.LogEntry, int64, error) {
	if len(logs) == 0 {
		return nil, cursor, nil
	}
	existing, err := tx.ExistingKeys(ctx, guildID, store.Logs, store.LogKeys(logs))
	if err != nil {
		return nil, cursor, fmt.Errorf("load log ids: %w", err)
	}
	inserts, next := AppendOnly(existing, logs, cursor)
	if len(inserts) == 0 {
		return nil, next, nil
	}
	children := make([]types.Child, len(inserts))
	for i, l := range inserts {
		children[i] = l
	}
	if err := tx.WriteChildren(ctx, guildID, store.Logs, store.Changes{Insert: children}); err != nil {
		return nil, cursor, fmt.Errorf("write logs: %w", err)
	}
	return inserts, next, nil
}

// Result describes what one Apply changed.
type Result struct {
	Guild   types.Guild
	Ranks   store.Changes
	Members store.Changes
	NewLogs []types.LogEntry
}

// Apply merges payload into the store inside the caller's transaction. The
// guild row, including LastUpdated and the log cursor, is written in the same
// unit of work, so the refresh becomes visible only when tx commits.
func Apply(ctx context.Context, tx store.Tx, p types.GuildPayload, now time.Time) (Result, error) {
	id := p.Guild.ID
	var cursor int64
	prev, err := tx.GetGuild(ctx, id)
	switch {
	case err == nil:
		cursor = prev.LastLogID
	case errors.Is(err, store.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("load guild %s: %w", id, err)
	}

	// The row must exist before children reference it.
	g := p.Guild
	g.LastLogID = cursor
	g.LastUpdated = prev.LastUpdated
	if err := tx.PutGuild(ctx, g); err != nil {
		return Result{}, err
	}

	res := Result{}
	if res.Ranks, err = ReplaceChildren(ctx, tx, id, store.Ranks, toChildren(p.Ranks)); err != nil {
		return Result{}, err
	}
	if res.Members, err = ReplaceChildren(ctx, tx, id, store.Members, toChildren(p.Members)); err != nil {
		return Result{}, err
	}
	if res.NewLogs, g.LastLogID, err = AppendLogs(ctx, tx, id, p.Logs, cursor); err != nil {
		return Result{}, err
	}

	g.LastUpdated = now.UTC()
	if err := tx.PutGuild(ctx, g); err != nil {
		return Result{}, err
	}
	res.Guild = g
	return res, nil
}

func toChildren[T types.Child](in []T) []types.Child {
	out := make([]types.Child, len(in))
	for i, c := range in {
		out[i] = c
	}
	return out
}
