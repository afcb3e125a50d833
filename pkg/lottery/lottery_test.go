package lottery_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/lottery"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-03-06 is in ISO week 2024-W10.
var now = time.Date(2024, 3, 6, 18, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

func newService(t *testing.T, s store.LotteryStore, opts ...lottery.Option) (*lottery.Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(now)
	ex := retry.New(retry.WithSleep(noSleep), retry.WithLogger(zerolog.Nop()))
	opts = append([]lottery.Option{lottery.WithClock(mock)}, opts...)
	return lottery.NewService(lottery.Config{}, s, ex, zerolog.Nop(), opts...), mock
}

func seedMember(t *testing.T, s *store.MemoryStore, guildID, account, rank string) {
	t.Helper()
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutGuild(ctx, types.Guild{ID: guildID}); err != nil {
			return err
		}
		return tx.WriteChildren(ctx, guildID, store.Members, store.Changes{
			Insert: []types.Child{types.Member{Name: account, Rank: rank}},
		})
	})
	require.NoError(t, err)
}

func TestService_Accrue(t *testing.T) {
	ctx := context.Background()

	t.Run("Whole gold becomes lots", func(t *testing.T) {
		svc, _ := newService(t, store.NewMemoryStore())

		entry, ok, err := svc.Accrue(ctx, "g1", "a.1234", 25_000)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, entry.Lots)
		assert.Equal(t, 2024, entry.Year)
		assert.Equal(t, 10, entry.Week)
		assert.Equal(t, "g1", entry.GuildID)
	})

	t.Run("Less than one gold is ignored", func(t *testing.T) {
		svc, _ := newService(t, store.NewMemoryStore())

		_, ok, err := svc.Accrue(ctx, "g1", "a.1234", 9_999)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Officers cannot enter", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedMember(t, s, "g2", "boss.1234", "Vice Leader")
		svc, _ := newService(t, s)

		_, ok, err := svc.Accrue(ctx, "g1", "boss.1234", 50_000)

		require.NoError(t, err)
		assert.False(t, ok)
		entries, err := svc.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("New entries are capped", func(t *testing.T) {
		svc, _ := newService(t, store.NewMemoryStore())

		entry, ok, err := svc.Accrue(ctx, "g1", "a.1234", 150_000)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lottery.DefaultMaxLots, entry.Lots)
	})

	t.Run("Deposits past the cap are skipped", func(t *testing.T) {
		svc, _ := newService(t, store.NewMemoryStore())
		_, _, err := svc.Accrue(ctx, "g1", "a.1234", 90_000)
		require.NoError(t, err)

		_, ok, err := svc.Accrue(ctx, "g1", "a.1234", 20_000)
		require.NoError(t, err)
		assert.False(t, ok)

		entry, ok, err := svc.Accrue(ctx, "g1", "a.1234", 10_000)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 10, entry.Lots)
	})

	t.Run("A new week starts a new entry", func(t *testing.T) {
		svc, mock := newService(t, store.NewMemoryStore())
		_, _, err := svc.Accrue(ctx, "g1", "a.1234", 100_000)
		require.NoError(t, err)

		mock.Add(7 * 24 * time.Hour)
		entry, ok, err := svc.Accrue(ctx, "g1", "a.1234", 10_000)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 11, entry.Week)
		assert.Equal(t, 1, entry.Lots)
	})
}

func TestService_Draw(t *testing.T) {
	ctx := context.Background()

	t.Run("No entries", func(t *testing.T) {
		svc, _ := newService(t, store.NewMemoryStore())
		_, err := svc.Draw(ctx)
		require.ErrorIs(t, err, lottery.ErrNoEntries)
	})

	t.Run("Weighted by lots", func(t *testing.T) {
		// Arrange
		var asked atomic.Int32
		s := store.NewMemoryStore()
		svc, _ := newService(t, s, lottery.WithRand(func(n int) int {
			asked.Store(int32(n))
			return 3 // first entry owns tickets 0..2
		}))
		_, _, err := svc.Accrue(ctx, "g1", "a.1234", 30_000)
		require.NoError(t, err)
		_, _, err = svc.Accrue(ctx, "g2", "b.5678", 70_000)
		require.NoError(t, err)

		// Act
		winner, err := svc.Draw(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(10), asked.Load())
		assert.Equal(t, "b.5678", winner.AccountName)
		assert.Equal(t, "g2", winner.GuildID)
		assert.Equal(t, int64(90_000), winner.PrizeCopper)
		assert.False(t, winner.PaidOut)
		assert.NotZero(t, winner.ID)
	})
}

func TestPrizeCopper(t *testing.T) {
	assert.Equal(t, int64(90_000), lottery.PrizeCopper(10))
	assert.Equal(t, int64(0), lottery.PrizeCopper(1))
	assert.Equal(t, int64(130_000), lottery.PrizeCopper(15), "Prizes are whole gold")
}

func TestService_MarkPaid(t *testing.T) {
	ctx := context.Background()
	svc, mock := newService(t, store.NewMemoryStore(), lottery.WithRand(func(int) int { return 0 }))
	_, _, err := svc.Accrue(ctx, "g1", "a.1234", 10_000)
	require.NoError(t, err)
	winner, err := svc.Draw(ctx)
	require.NoError(t, err)

	mock.Add(time.Hour)
	paid, err := svc.MarkPaid(ctx, winner.ID)

	require.NoError(t, err)
	assert.True(t, paid.PaidOut)
	require.NotNil(t, paid.PaidAt)
	assert.True(t, now.Add(time.Hour).Equal(*paid.PaidAt))

	_, err = svc.MarkPaid(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, store.NewMemoryStore(), lottery.WithRand(func(int) int { return 0 }))
	_, _, err := svc.Accrue(ctx, "g1", "a.1234", 30_000)
	require.NoError(t, err)
	_, _, err = svc.Accrue(ctx, "g1", "b.5678", 20_000)
	require.NoError(t, err)
	_, err = svc.Draw(ctx)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)

	require.NoError(t, err)
	assert.Equal(t, 10, st.Week)
	assert.Equal(t, int64(50_000), st.PotCopper)
	assert.Equal(t, 2, st.EntryCount)
	assert.Len(t, st.RecentWinners, 1)
}

// lockedStore reports contention for the first failures calls.
type lockedStore struct {
	*store.MemoryStore
	failures int32
	calls    atomic.Int32
}

func (l *lockedStore) WithRowLock(ctx context.Context, fn func(ctx context.Context, tx store.LotteryTx) error) error {
	if l.calls.Add(1) <= l.failures {
		return store.ErrLocked
	}
	return l.MemoryStore.WithRowLock(ctx, fn)
}

func TestService_RetriesContention(t *testing.T) {
	ctx := context.Background()

	t.Run("Succeeds after contention", func(t *testing.T) {
		s := &lockedStore{MemoryStore: store.NewMemoryStore(), failures: 2}
		svc, _ := newService(t, s)

		_, ok, err := svc.Accrue(ctx, "g1", "a.1234", 10_000)

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int32(3), s.calls.Load())
	})

	t.Run("Gives up after the retry budget", func(t *testing.T) {
		s := &lockedStore{MemoryStore: store.NewMemoryStore(), failures: 100}
		svc, _ := newService(t, s)

		_, _, err := svc.Accrue(ctx, "g1", "a.1234", 10_000)

		require.ErrorIs(t, err, store.ErrLocked)
	})
}

func TestStashSink(t *testing.T) {
	// Arrange
	ctx := context.Background()
	svc, _ := newService(t, store.NewMemoryStore())
	sink := lottery.NewStashSink(svc)
	report := types.RefreshReport{
		GuildID: "g1",
		NewLogs: []types.LogEntry{
			{ID: 1, Type: types.LogStash, User: "a.1234", Detail: types.StashDetail{Operation: "deposit", Coins: 20_000}},
			{ID: 2, Type: types.LogStash, User: "a.1234", Detail: types.StashDetail{Operation: "withdraw", Coins: 50_000}},
			{ID: 3, Type: types.LogStash, User: "b.5678", Detail: types.StashDetail{Operation: "deposit", ItemID: 24, Count: 1}},
			{ID: 4, Type: types.LogJoin, User: "c.9999", Detail: types.JoinDetail{}},
			{ID: 5, Type: types.LogStash, User: "a.1234", Detail: types.StashDetail{Operation: "deposit", Coins: 10_000}},
		},
	}

	// Act
	err := sink.HandleRefresh(ctx, report)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "lottery", sink.Name())
	entries, err := svc.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.1234", entries[0].AccountName)
	assert.Equal(t, 3, entries[0].Lots)
}

func TestStashSink_CollectsErrors(t *testing.T) {
	s := &lockedStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	svc, _ := newService(t, s)
	sink := lottery.NewStashSink(svc)

	err := sink.HandleRefresh(context.Background(), types.RefreshReport{
		GuildID: "g1",
		NewLogs: []types.LogEntry{
			{ID: 1, User: "a.1234", Detail: types.StashDetail{Operation: "deposit", Coins: 10_000}},
		},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrLocked))
}
