// Package lottery runs the weekly guild lottery: stash gold deposits buy lots,
// one weighted draw per ISO week picks the winner of 90% of the pot.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// CopperPerGold converts between the remote's copper amounts and lots.
	CopperPerGold = 10000
	// DefaultMaxLots caps one account's lots per week.
	DefaultMaxLots = 10
	// DefaultRecentWinners is how many past winners Stats reports.
	DefaultRecentWinners = 10
)

// DefaultOfficerRanks are the ranks excluded from entering.
var DefaultOfficerRanks = []string{
	"Community Owner",
	"Guild Leader",
	"Vice Leader",
	"Sr Officer",
	"Officer",
	"Probi Officer",
}

// ErrNoEntries is returned by Draw when nobody entered this week.
var ErrNoEntries = errors.New("no lottery entries for the current week")

// Config holds the lottery rules.
type Config struct {
	OfficerRanks  []string
	MaxLots       int
	RecentWinners int
}

// Stats summarises the current week.
type Stats struct {
	Year          int                   `json:"year"`
	Week          int                   `json:"week"`
	PotCopper     int64                 `json:"current_pot"`
	EntryCount    int                   `json:"current_entries_count"`
	RecentWinners []types.LotteryWinner `json:"past_winners"`
}

// Service applies the lottery rules on top of a LotteryStore. Every write runs
// in a row-locked transaction retried on lock contention.
type Service struct {
	cfg    Config
	store  store.LotteryStore
	retry  *retry.Executor
	clock  clock.Clock
	intn   func(n int) int
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used to pick the current week.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithRand replaces the source of the draw. intn must return a value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(s *Service) { s.intn = intn }
}

// NewService creates a Service. Zero config values get the defaults.
func NewService(cfg Config, s store.LotteryStore, ex *retry.Executor, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.OfficerRanks == nil {
		cfg.OfficerRanks = DefaultOfficerRanks
	}
	if cfg.MaxLots <= 0 {
		cfg.MaxLots = DefaultMaxLots
	}
	if cfg.RecentWinners <= 0 {
		cfg.RecentWinners = DefaultRecentWinners
	}
	if ex == nil {
		ex = retry.New(retry.WithLogger(logger))
	}
	svc := &Service{
		cfg:    cfg,
		store:  s,
		retry:  ex,
		clock:  clock.New(),
		intn:   rand.IntN,
		logger: logger.With().Str("component", "Lottery").Logger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Week returns the current ISO year and week in UTC.
func (s *Service) Week() (year, week int) {
	return s.clock.Now().UTC().ISOWeek()
}

// Accrue converts a deposit of copper by account into lots for this week.
// It reports false, without error, when the deposit does not count: officers,
// deposits under one gold, and deposits that would take an existing entry
// past the cap.
func (s *Service) Accrue(ctx context.Context, guildID, account string, copper int64) (types.LotteryEntry, bool, error) {
	lots := int(copper / CopperPerGold)
	if lots < 1 {
		return types.LotteryEntry{}, false, nil
	}
	year, week := s.Week()
	now := s.clock.Now().UTC()

	var (
		entry    types.LotteryEntry
		accepted bool
	)
	err := s.retry.Do(ctx, "lottery accrual", func(ctx context.Context) error {
		accepted = false
		return s.store.WithRowLock(ctx, func(ctx context.Context, tx store.LotteryTx) error {
			officer, err := tx.IsOfficer(ctx, account, s.cfg.OfficerRanks)
			if err != nil {
				return err
			}
			if officer {
				return nil
			}
			existing, err := tx.GetEntry(ctx, account, year, week)
			switch {
			case err == nil:
				if existing.Lots+lots > s.cfg.MaxLots {
					return nil
				}
				existing.Lots += lots
				existing.UpdatedAt = now
			case errors.Is(err, store.ErrNotFound):
				existing = types.LotteryEntry{
					GuildID:     guildID,
					AccountName: account,
					Year:        year,
					Week:        week,
					Lots:        min(lots, s.cfg.MaxLots),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
			default:
				return err
			}
			entry, err = tx.PutEntry(ctx, existing)
			if err != nil {
				return err
			}
			accepted = true
			return nil
		})
	})
	if err != nil {
		return types.LotteryEntry{}, false, err
	}
	if accepted {
		s.logger.Info().Str("account", account).Str("guild_id", guildID).Int("lots", entry.Lots).Msg("Lottery entry accrued.")
	}
	return entry, accepted, nil
}

// Entries lists this week's entries.
func (s *Service) Entries(ctx context.Context) ([]types.LotteryEntry, error) {
	year, week := s.Week()
	var out []types.LotteryEntry
	err := s.store.WithRowLock(ctx, func(ctx context.Context, tx store.LotteryTx) error {
		var err error
		out, err = tx.EntriesForWeek(ctx, year, week)
		return err
	})
	return out, err
}

// Draw picks this week's winner, weighting each entry by its lots, and
// records the prize of 90% of the pot in whole gold.
func (s *Service) Draw(ctx context.Context) (types.LotteryWinner, error) {
	year, week := s.Week()
	var winner types.LotteryWinner
	err := s.retry.Do(ctx, "lottery draw", func(ctx context.Context) error {
		return s.store.WithRowLock(ctx, func(ctx context.Context, tx store.LotteryTx) error {
			entries, err := tx.EntriesForWeek(ctx, year, week)
			if err != nil {
				return err
			}
			picked, total, ok := pick(entries, s.intn)
			if !ok {
				return fmt.Errorf("%d-W%02d: %w", year, week, ErrNoEntries)
			}
			winner, err = tx.InsertWinner(ctx, types.LotteryWinner{
				GuildID:     picked.GuildID,
				AccountName: picked.AccountName,
				Year:        year,
				Week:        week,
				PrizeCopper: PrizeCopper(total),
				CreatedAt:   s.clock.Now().UTC(),
			})
			return err
		})
	})
	if err != nil {
		return types.LotteryWinner{}, err
	}
	s.logger.Info().Str("account", winner.AccountName).Int64("prize_copper", winner.PrizeCopper).
		Int("year", year).Int("week", week).Msg("Lottery winner drawn.")
	return winner, nil
}

// MarkPaid records that winner id has been paid.
func (s *Service) MarkPaid(ctx context.Context, id int64) (types.LotteryWinner, error) {
	var winner types.LotteryWinner
	err := s.retry.Do(ctx, "lottery payout", func(ctx context.Context) error {
		return s.store.WithRowLock(ctx, func(ctx context.Context, tx store.LotteryTx) error {
			var err error
			winner, err = tx.MarkWinnerPaid(ctx, id, s.clock.Now().UTC())
			return err
		})
	})
	return winner, err
}

// Stats reports this week's pot and the most recent winners.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	year, week := s.Week()
	st, err := s.store.Stats(ctx, year, week, s.cfg.RecentWinners)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Year:          year,
		Week:          week,
		PotCopper:     int64(st.TotalLots) * CopperPerGold,
		EntryCount:    st.EntryCount,
		RecentWinners: st.RecentWinners,
	}, nil
}

// PrizeCopper is 90% of a pot of totalLots gold, rounded down to whole gold.
func PrizeCopper(totalLots int) int64 {
	return int64(totalLots*9/10) * CopperPerGold
}

// pick returns the entry owning ticket intn(total) when tickets are laid out
// in entry order.
func pick(entries []types.LotteryEntry, intn func(int) int) (types.LotteryEntry, int, bool) {
	total := 0
	for _, e := range entries {
		total += e.Lots
	}
	if total <= 0 {
		return types.LotteryEntry{}, 0, false
	}
	ticket := intn(total)
	for _, e := range entries {
		if ticket < e.Lots {
			return e, total, true
		}
		ticket -= e.Lots
	}
	return entries[len(entries)-1], total, true
}
