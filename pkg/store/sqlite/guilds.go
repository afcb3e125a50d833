package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	q querier
}

var (
	_ store.Tx        = (*tx)(nil)
	_ store.LotteryTx = (*tx)(nil)
)

// keyChunk bounds the number of bound parameters per IN clause.
const keyChunk = 500

const guildColumns = `id, name, tag, level, motd, influence, aetherium, resonance, favor, emblem, last_log_id, last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuild(row rowScanner) (types.Guild, error) {
	var (
		g           types.Guild
		emblem      sql.NullString
		lastUpdated int64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Tag, &g.Level, &g.MOTD, &g.Influence, &g.Aetherium,
		&g.Resonance, &g.Favor, &emblem, &g.LastLogID, &lastUpdated); err != nil {
		return types.Guild{}, err
	}
	if emblem.Valid && emblem.String != "" {
		g.Emblem = &types.Emblem{}
		if err := json.Unmarshal([]byte(emblem.String), g.Emblem); err != nil {
			return types.Guild{}, fmt.Errorf("decode emblem of guild %s: %w", g.ID, err)
		}
	}
	g.LastUpdated = fromMillis(lastUpdated)
	return g, nil
}

func (t *tx) GetGuild(ctx context.Context, id string) (types.Guild, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id = ?`, id)
	g, err := scanGuild(row)
	if err != nil {
		return types.Guild{}, classify("get guild "+id, err)
	}
	return g, nil
}

func (t *tx) listGuilds(ctx context.Context) ([]types.Guild, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+guildColumns+` FROM guilds ORDER BY name`)
	if err != nil {
		return nil, classify("list guilds", err)
	}
	defer rows.Close()
	var out []types.Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, classify("scan guild", err)
		}
		out = append(out, g)
	}
	return out, classify("list guilds", rows.Err())
}

// PutGuild upserts the guild row. ON CONFLICT DO UPDATE keeps the row, so the
// cascading child rows survive.
func (t *tx) PutGuild(ctx context.Context, g types.Guild) error {
	var emblem sql.NullString
	if g.Emblem != nil {
		b, err := json.Marshal(g.Emblem)
		if err != nil {
			return fmt.Errorf("encode emblem of guild %s: %w", g.ID, err)
		}
		emblem = sql.NullString{String: string(b), Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
INSERT INTO guilds (`+guildColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	tag = excluded.tag,
	level = excluded.level,
	motd = excluded.motd,
	influence = excluded.influence,
	aetherium = excluded.aetherium,
	resonance = excluded.resonance,
	favor = excluded.favor,
	emblem = excluded.emblem,
	last_log_id = excluded.last_log_id,
	last_updated = excluded.last_updated
`,
		g.ID, g.Name, g.Tag, g.Level, g.MOTD, g.Influence, g.Aetherium, g.Resonance, g.Favor,
		emblem, g.LastLogID, toMillis(g.LastUpdated),
	)
	return classify("put guild "+g.ID, err)
}

func (t *tx) GetChildren(ctx context.Context, guildID string, c store.Collection) ([]types.Child, error) {
	var query string
	switch c {
	case store.Ranks:
		query = `SELECT rank_id, sort_order, permissions, icon FROM guild_ranks WHERE guild_id = ? ORDER BY rank_id`
	case store.Members:
		query = `SELECT account_name, rank, joined, wvw_member FROM guild_members WHERE guild_id = ? ORDER BY account_name`
	case store.Logs:
		query = `SELECT payload FROM guild_logs WHERE guild_id = ? ORDER BY log_id`
	default:
		return nil, fmt.Errorf("%q: %w", c, store.ErrUnknownCollection)
	}

	rows, err := t.q.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, classify("get "+string(c), err)
	}
	defer rows.Close()

	var out []types.Child
	for rows.Next() {
		child, err := scanChild(c, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, classify("get "+string(c), rows.Err())
}

func scanChild(c store.Collection, rows *sql.Rows) (types.Child, error) {
	switch c {
	case store.Ranks:
		var (
			r     types.Rank
			perms string
		)
		if err := rows.Scan(&r.ID, &r.Order, &perms, &r.Icon); err != nil {
			return nil, classify("scan rank", err)
		}
		if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions of rank %s: %w", r.ID, err)
		}
		return r, nil
	case store.Members:
		var (
			m      types.Member
			joined sql.NullInt64
		)
		if err := rows.Scan(&m.Name, &m.Rank, &joined, &m.WvWMember); err != nil {
			return nil, classify("scan member", err)
		}
		if joined.Valid {
			ts := fromMillis(joined.Int64)
			m.Joined = &ts
		}
		return m, nil
	default:
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("scan log", err)
		}
		entry, err := types.DecodeLogEntry(payload)
		if err != nil {
			return nil, fmt.Errorf("decode stored log: %w", err)
		}
		return entry, nil
	}
}

func keyColumn(c store.Collection) (table, column string, err error) {
	switch c {
	case store.Ranks:
		return "guild_ranks", "rank_id", nil
	case store.Members:
		return "guild_members", "account_name", nil
	case store.Logs:
		return "guild_logs", "log_id", nil
	}
	return "", "", fmt.Errorf("%q: %w", c, store.ErrUnknownCollection)
}

func keyArg(c store.Collection, key string) (any, error) {
	if c != store.Logs {
		return key, nil
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("log key %q: %w", key, err)
	}
	return id, nil
}

func (t *tx) ExistingKeys(ctx context.Context, guildID string, c store.Collection, keys []string) (map[string]bool, error) {
	table, column, err := keyColumn(c)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for start := 0; start < len(keys); start += keyChunk {
		chunk := keys[start:min(start+keyChunk, len(keys))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, guildID)
		for _, k := range chunk {
			a, err := keyArg(c, k)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
		}
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE guild_id = ? AND %s IN (%s)`,
			column, table, column, placeholders(len(chunk)))
		rows, err := t.q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, classify("existing "+string(c), err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, classify("existing "+string(c), err)
			}
			found[key] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify("existing "+string(c), err)
		}
	}
	return found, nil
}

func (t *tx) WriteChildren(ctx context.Context, guildID string, c store.Collection, ch store.Changes) error {
	table, column, err := keyColumn(c)
	if err != nil {
		return err
	}
	for _, child := range ch.Insert {
		if err := t.writeChild(ctx, guildID, c, child, false); err != nil {
			return err
		}
	}
	for _, child := range ch.Update {
		if err := t.writeChild(ctx, guildID, c, child, true); err != nil {
			return err
		}
	}
	for _, key := range ch.Delete {
		arg, err := keyArg(c, key)
		if err != nil {
			return err
		}
		_, err = t.q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE guild_id = ? AND %s = ?`, table, column), guildID, arg)
		if err != nil {
			return classify(fmt.Sprintf("delete %s %s", c, key), err)
		}
	}
	return nil
}

func (t *tx) writeChild(ctx context.Context, guildID string, c store.Collection, child types.Child, upsert bool) error {
	verb := "INSERT"
	if upsert {
		verb = "INSERT OR REPLACE"
	}
	var err error
	switch v := child.(type) {
	case types.Rank:
		if c != store.Ranks {
			break
		}
		perms, mErr := json.Marshal(nonNil(v.Permissions))
		if mErr != nil {
			return fmt.Errorf("encode permissions of rank %s: %w", v.ID, mErr)
		}
		_, err = t.q.ExecContext(ctx, verb+` INTO guild_ranks (guild_id, rank_id, sort_order, permissions, icon) VALUES (?, ?, ?, ?, ?)`,
			guildID, v.ID, v.Order, string(perms), v.Icon)
		return classify("write rank "+v.ID, err)
	case types.Member:
		if c != store.Members {
			break
		}
		var joined sql.NullInt64
		if v.Joined != nil {
			joined = sql.NullInt64{Int64: toMillis(*v.Joined), Valid: true}
		}
		_, err = t.q.ExecContext(ctx, verb+` INTO guild_members (guild_id, account_name, rank, joined, wvw_member) VALUES (?, ?, ?, ?, ?)`,
			guildID, v.Name, v.Rank, joined, v.WvWMember)
		return classify("write member "+v.Name, err)
	case types.LogEntry:
		if c != store.Logs {
			break
		}
		payload, mErr := json.Marshal(v)
		if mErr != nil {
			return fmt.Errorf("encode log %d: %w", v.ID, mErr)
		}
		_, err = t.q.ExecContext(ctx, verb+` INTO guild_logs (guild_id, log_id, type, time, user, payload) VALUES (?, ?, ?, ?, ?, ?)`,
			guildID, v.ID, string(v.Type), toMillis(v.Time), v.User, string(payload))
		return classify(fmt.Sprintf("write log %d", v.ID), err)
	}
	return fmt.Errorf("%T does not belong in %s", child, c)
}

func (t *tx) RemoveGuild(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM guilds WHERE id = ?`, id)
	if err != nil {
		return classify("remove guild "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("guild %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) MergeAccounts(ctx context.Context, from, to string) (int, error) {
	if _, err := t.q.ExecContext(ctx, `
DELETE FROM guild_members
WHERE account_name = ?
  AND guild_id IN (SELECT guild_id FROM guild_members WHERE account_name = ?)`, from, to); err != nil {
		return 0, classify("drop duplicate memberships", err)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE guild_members SET account_name = ? WHERE account_name = ?`, to, from)
	if err != nil {
		return 0, classify("move memberships", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
