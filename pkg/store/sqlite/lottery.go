package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

const (
	entryColumns  = `id, guild_id, account_name, year, week, lots, created_at, updated_at`
	winnerColumns = `id, guild_id, account_name, year, week, prize_copper, paid_out, paid_at, created_at`
)

func scanEntry(row rowScanner) (types.LotteryEntry, error) {
	var (
		e                types.LotteryEntry
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.GuildID, &e.AccountName, &e.Year, &e.Week, &e.Lots, &created, &updated); err != nil {
		return types.LotteryEntry{}, err
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

func scanWinner(row rowScanner) (types.LotteryWinner, error) {
	var (
		w       types.LotteryWinner
		paidAt  sql.NullInt64
		created int64
	)
	if err := row.Scan(&w.ID, &w.GuildID, &w.AccountName, &w.Year, &w.Week, &w.PrizeCopper, &w.PaidOut, &paidAt, &created); err != nil {
		return types.LotteryWinner{}, err
	}
	if paidAt.Valid {
		ts := fromMillis(paidAt.Int64)
		w.PaidAt = &ts
	}
	w.CreatedAt = fromMillis(created)
	return w, nil
}

func (t *tx) IsOfficer(ctx context.Context, account string, ranks []string) (bool, error) {
	if len(ranks) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(ranks)+1)
	args = append(args, account)
	for _, r := range ranks {
		args = append(args, r)
	}
	var found int
	err := t.q.QueryRowContext(ctx,
		`SELECT 1 FROM guild_members WHERE account_name = ? AND rank IN (`+placeholders(len(ranks))+`) LIMIT 1`,
		args...).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify("check officer "+account, err)
	}
	return true, nil
}

func (t *tx) GetEntry(ctx context.Context, account string, year, week int) (types.LotteryEntry, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM lottery_entries WHERE account_name = ? AND year = ? AND week = ?`,
		account, year, week)
	e, err := scanEntry(row)
	if err != nil {
		return types.LotteryEntry{}, classify(fmt.Sprintf("get lottery entry %s %d-W%02d", account, year, week), err)
	}
	return e, nil
}

func (t *tx) PutEntry(ctx context.Context, e types.LotteryEntry) (types.LotteryEntry, error) {
	if e.ID == 0 {
		res, err := t.q.ExecContext(ctx, `
INSERT INTO lottery_entries (guild_id, account_name, year, week, lots, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.GuildID, e.AccountName, e.Year, e.Week, e.Lots, toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
		if err != nil {
			return types.LotteryEntry{}, classify("insert lottery entry", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return types.LotteryEntry{}, fmt.Errorf("insert lottery entry: %w", err)
		}
		e.ID = id
		return e, nil
	}
	res, err := t.q.ExecContext(ctx, `UPDATE lottery_entries SET lots = ?, updated_at = ? WHERE id = ?`,
		e.Lots, toMillis(e.UpdatedAt), e.ID)
	if err != nil {
		return types.LotteryEntry{}, classify("update lottery entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.LotteryEntry{}, fmt.Errorf("lottery entry %d: %w", e.ID, store.ErrNotFound)
	}
	return e, nil
}

func (t *tx) EntriesForWeek(ctx context.Context, year, week int) ([]types.LotteryEntry, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM lottery_entries WHERE year = ? AND week = ? ORDER BY id`, year, week)
	if err != nil {
		return nil, classify("list lottery entries", err)
	}
	defer rows.Close()
	var out []types.LotteryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify("scan lottery entry", err)
		}
		out = append(out, e)
	}
	return out, classify("list lottery entries", rows.Err())
}

func (t *tx) InsertWinner(ctx context.Context, w types.LotteryWinner) (types.LotteryWinner, error) {
	res, err := t.q.ExecContext(ctx, `
INSERT INTO lottery_winners (guild_id, account_name, year, week, prize_copper, paid_out, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?)`,
		w.GuildID, w.AccountName, w.Year, w.Week, w.PrizeCopper, toMillis(w.CreatedAt))
	if err != nil {
		return types.LotteryWinner{}, classify("insert lottery winner", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.LotteryWinner{}, fmt.Errorf("insert lottery winner: %w", err)
	}
	w.ID = id
	return w, nil
}

func (t *tx) GetWinner(ctx context.Context, id int64) (types.LotteryWinner, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+winnerColumns+` FROM lottery_winners WHERE id = ?`, id)
	w, err := scanWinner(row)
	if err != nil {
		return types.LotteryWinner{}, classify(fmt.Sprintf("get lottery winner %d", id), err)
	}
	return w, nil
}

func (t *tx) MarkWinnerPaid(ctx context.Context, id int64, at time.Time) (types.LotteryWinner, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE lottery_winners SET paid_out = 1, paid_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return types.LotteryWinner{}, classify(fmt.Sprintf("mark lottery winner %d paid", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.LotteryWinner{}, fmt.Errorf("lottery winner %d: %w", id, store.ErrNotFound)
	}
	return t.GetWinner(ctx, id)
}

// Stats reads the week's pot and the most recent winners outside a write
// transaction.
func (s *Store) Stats(ctx context.Context, year, week int, recentWinners int) (store.LotteryStats, error) {
	t := &tx{q: s.sqlDB}
	var stats store.LotteryStats
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(lots), 0) FROM lottery_entries WHERE year = ? AND week = ?`,
		year, week).Scan(&stats.EntryCount, &stats.TotalLots)
	if err != nil {
		return store.LotteryStats{}, classify("lottery pot", err)
	}

	rows, err := t.q.QueryContext(ctx,
		`SELECT `+winnerColumns+` FROM lottery_winners ORDER BY created_at DESC, id DESC LIMIT ?`, recentWinners)
	if err != nil {
		return store.LotteryStats{}, classify("recent lottery winners", err)
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return store.LotteryStats{}, classify("scan lottery winner", err)
		}
		stats.RecentWinners = append(stats.RecentWinners, w)
	}
	return stats, classify("recent lottery winners", rows.Err())
}
