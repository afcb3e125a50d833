package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-guildmirror/pkg/cache"
	"github.com/illmade-knight/go-guildmirror/pkg/merge"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotYetAvailable is returned by Get when the guild has never been
	// stored. A refresh has been scheduled if the lock was free.
	ErrNotYetAvailable = errors.New("guild not yet available")
	// ErrRefreshInProgress is returned by Refresh when another refresh of the
	// same guild holds the lock.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrClosed is returned by Refresh once Close has been called.
	ErrClosed = errors.New("coordinator closed")
)

// Fetcher retrieves the current remote state of a guild.
type Fetcher interface {
	FetchGuild(ctx context.Context, guildID string, since int64) (types.GuildPayload, error)
}

// LogEnricher decorates fetched logs before they are merged.
type LogEnricher interface {
	EnrichLogs(ctx context.Context, logs []types.LogEntry) []types.LogEntry
}

// Sink is notified after a refresh commits. Sink errors are logged and never
// affect the refresh outcome.
type Sink interface {
	Name() string
	HandleRefresh(ctx context.Context, report types.RefreshReport) error
}

// Config holds the coordinator settings.
type Config struct {
	// GuildIDs are the guilds tracked by List and RefreshAll.
	GuildIDs       []string
	StaleAfter     time.Duration
	RefreshTimeout time.Duration
}

// Coordinator serves guild reads from the store and refreshes stale guilds in
// the background, at most one refresh per guild at a time.
type Coordinator struct {
	cfg      Config
	store    store.Store
	fetcher  Fetcher
	retry    *retry.Executor
	status   cache.PresenceCache[string, types.RefreshStatus]
	enricher LogEnricher
	sinks    []Sink
	policy   Policy
	locks    *LockRegistry
	clock    clock.Clock
	logger   zerolog.Logger

	baseCtx context.Context
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock used for staleness and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithEnricher sets the log enricher.
func WithEnricher(e LogEnricher) Option {
	return func(c *Coordinator) { c.enricher = e }
}

// WithSinks appends post-commit sinks.
func WithSinks(sinks ...Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithStatusCache replaces the in-memory refresh status cache.
func WithStatusCache(pc cache.PresenceCache[string, types.RefreshStatus]) Option {
	return func(c *Coordinator) { c.status = pc }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, s store.Store, f Fetcher, ex *retry.Executor, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 2 * time.Minute
	}
	if ex == nil {
		ex = retry.New(retry.WithLogger(logger))
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   s,
		fetcher: f,
		retry:   ex,
		status:  cache.NewInMemoryPresenceCache[string, types.RefreshStatus](),
		locks:   NewLockRegistry(cfg.GuildIDs),
		clock:   clock.New(),
		logger:  logger.With().Str("component", "RefreshCoordinator").Logger(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = NewPolicy(cfg.StaleAfter, c.clock)
	return c
}

// Get returns the stored guild without waiting for the remote. When the
// guild is stale, absent or force is set, a background refresh is started
// unless one is already running.
func (c *Coordinator) Get(ctx context.Context, id string, force bool) (types.Guild, error) {
	g, err := c.store.GetGuild(ctx, id)
	cached := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return types.Guild{}, err
	}
	if !cached || force || c.policy.IsStale(g) {
		c.schedule(id, force)
	}
	if !cached {
		return types.Guild{}, fmt.Errorf("guild %s: %w", id, ErrNotYetAvailable)
	}
	return g, nil
}

// List applies Get to every tracked guild and returns those already stored.
func (c *Coordinator) List(ctx context.Context, force bool) ([]types.Guild, error) {
	out := make([]types.Guild, 0, len(c.cfg.GuildIDs))
	for _, id := range c.cfg.GuildIDs {
		g, err := c.Get(ctx, id, force)
		if errors.Is(err, ErrNotYetAvailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Refresh runs a refresh of id synchronously. Close waits for it.
func (c *Coordinator) Refresh(ctx context.Context, id string, force bool) error {
	if !c.track() {
		return fmt.Errorf("guild %s: %w", id, ErrClosed)
	}
	defer c.wg.Done()

	release, ok := c.locks.TryLock(id)
	if !ok {
		return fmt.Errorf("guild %s: %w", id, ErrRefreshInProgress)
	}
	defer release()
	return c.refresh(ctx, id, force)
}

// track registers a unit of work with wg unless the coordinator is closed.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// RefreshAll refreshes every tracked guild concurrently. Guilds whose lock is
// held are skipped, as is everything once the coordinator is closed.
func (c *Coordinator) RefreshAll(ctx context.Context, force bool) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, id := range c.cfg.GuildIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.Refresh(ctx, id, force)
			if err == nil || errors.Is(err, ErrRefreshInProgress) || errors.Is(err, ErrClosed) {
				return
			}
			mu.Lock()
			result = multierror.Append(result, err)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Status reports the refresh state of id.
func (c *Coordinator) Status(ctx context.Context, id string) (types.RefreshStatus, error) {
	st, err := c.status.Fetch(ctx, id)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return types.RefreshStatus{}, err
	}
	st.InProgress = c.locks.InProgress(id)
	return st, nil
}

// Close stops accepting new refreshes and waits for running ones, background
// and synchronous alike, bounded by ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule starts a background refresh if the lock for id is free.
func (c *Coordinator) schedule(id string, force bool) bool {
	release, ok := c.locks.TryLock(id)
	if !ok {
		return false
	}
	if !c.track() {
		release()
		return false
	}

	go func() {
		defer c.wg.Done()
		defer release()
		ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.RefreshTimeout)
		defer cancel()
		// Failures are recorded in the status and logged; readers keep the
		// cached entry.
		_ = c.refresh(ctx, id, force)
	}()
	return true
}

// refresh must be called with the lock for id held.
func (c *Coordinator) refresh(ctx context.Context, id string, force bool) error {
	cycleID := uuid.NewString()
	logger := c.logger.With().Str("guild_id", id).Str("cycle_id", cycleID).Bool("forced", force).Logger()
	started := c.clock.Now()
	c.recordAttempt(ctx, id, started)

	err := c.runCycle(ctx, id, cycleID, force, logger)
	c.recordOutcome(ctx, id, started, err)
	if err != nil {
		logger.Error().Err(err).Msg("Guild refresh failed, keeping cached data.")
		return err
	}
	logger.Info().Dur("took", c.clock.Since(started)).Msg("Guild refreshed.")
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, id, cycleID string, force bool, logger zerolog.Logger) error {
	var cursor int64
	if !force {
		prev, err := c.store.GetGuild(ctx, id)
		switch {
		case err == nil:
			cursor = prev.LastLogID
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("load cursor: %w", err)
		}
	}

	payload, err := c.fetcher.FetchGuild(ctx, id, cursor)
	if err != nil {
		return err
	}
	payload.Guild.ID = id
	if c.enricher != nil {
		payload.Logs = c.enricher.EnrichLogs(ctx, payload.Logs)
	}

	var res merge.Result
	err = c.retry.Do(ctx, "refresh guild "+id, func(ctx context.Context) error {
		return c.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = merge.Apply(ctx, tx, payload, c.clock.Now())
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	logger.Debug().Int("new_logs", len(res.NewLogs)).Int64("cursor", res.Guild.LastLogID).
		Int("ranks_changed", len(res.Ranks.Insert)+len(res.Ranks.Update)+len(res.Ranks.Delete)).
		Int("members_changed", len(res.Members.Insert)+len(res.Members.Update)+len(res.Members.Delete)).
		Msg("Merge committed.")

	report := types.RefreshReport{
		CycleID:   cycleID,
		GuildID:   id,
		GuildName: res.Guild.Name,
		Forced:    force,
		Cursor:    res.Guild.LastLogID,
		NewLogs:   res.NewLogs,
		Committed: res.Guild.LastUpdated,
	}
	for _, s := range c.sinks {
		if err := s.HandleRefresh(ctx, report); err != nil {
			logger.Warn().Err(err).Str("sink", s.Name()).Msg("Refresh sink failed.")
		}
	}
	return nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, id string, at time.Time) {
	st, _ := c.status.Fetch(ctx, id)
	st.InProgress = true
	st.LastAttempt = at
	if err := c.status.Set(ctx, id, st); err != nil {
		c.logger.Warn().Err(err).Str("guild_id", id).Msg("Failed to record refresh status.")
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, id string, started time.Time, err error) {
	st, _ := c.status.Fetch(ctx, id)
	st.InProgress = false
	st.LastAttempt = started
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
		st.LastSuccess = c.clock.Now()
	}
	// The refresh context may be spent; the status write gets its own budget.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.status.Set(sctx, id, st); err != nil {
		c.logger.Warn().Err(err).Str("guild_id", id).Msg("Failed to record refresh status.")
	}
}
