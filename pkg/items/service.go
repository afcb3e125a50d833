// Package items resolves item definitions through the single-flight registry,
// so each id is fetched from the remote at most once across all callers.
package items

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the lookups GetMany runs at once.
const DefaultBatchConcurrency = 8

// Fetcher retrieves one item from the remote.
type Fetcher interface {
	FetchItem(ctx context.Context, id int) (singleflight.Result[types.Item], error)
}

// Service serves items from a store, fetching missing ones once.
type Service struct {
	registry    *singleflight.Registry[int, types.Item]
	fetcher     Fetcher
	concurrency int
	logger      zerolog.Logger
}

// NewService creates a Service reading through s. A concurrency below one
// uses DefaultBatchConcurrency.
func NewService(s singleflight.Store[int, types.Item], f Fetcher, concurrency int, logger zerolog.Logger) *Service {
	if concurrency < 1 {
		concurrency = DefaultBatchConcurrency
	}
	return &Service{
		registry:    singleflight.New[int, types.Item](s, logger),
		fetcher:     f,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "ItemService").Logger(),
	}
}

// Get returns item id. An item the remote does not know yields an error
// wrapping store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int) (types.Item, error) {
	item, err := s.registry.GetOrFetch(ctx, id, s.fetcher.FetchItem)
	if err != nil {
		return types.Item{}, fmt.Errorf("item %d: %w", id, err)
	}
	return item, nil
}

// GetMany resolves ids concurrently. Unknown ids are left out of the result;
// other failures are collected and returned alongside the items that did
// resolve.
func (s *Service) GetMany(ctx context.Context, ids []int) (map[int]types.Item, error) {
	var (
		mu     sync.Mutex
		found  = make(map[int]types.Item, len(ids))
		result *multierror.Error
		seen   = make(map[int]bool, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		g.Go(func() error {
			item, err := s.Get(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				found[id] = item
			case errors.Is(err, store.ErrNotFound):
				s.logger.Debug().Int("item_id", id).Msg("Item unknown to remote, skipping.")
			default:
				result = multierror.Append(result, err)
			}
			// Failures are collected, not propagated, so siblings keep running.
			return nil
		})
	}
	_ = g.Wait()
	return found, result.ErrorOrNil()
}

// Name returns the display name of item id.
func (s *Service) Name(ctx context.Context, id int) (string, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return item.Name, nil
}
