package items_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-guildmirror/pkg/cache"
	"github.com/illmade-knight/go-guildmirror/pkg/items"
	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote knows ids 1..99, fails 500 and knows nothing else.
type fakeRemote struct {
	mu    sync.Mutex
	calls map[int]int
	total atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(map[int]int)}
}

func (f *fakeRemote) FetchItem(_ context.Context, id int) (singleflight.Result[types.Item], error) {
	f.total.Add(1)
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	switch {
	case id == 500:
		return singleflight.Result[types.Item]{}, errors.New("remote 503")
	case id > 0 && id < 100:
		return singleflight.Result[types.Item]{Found: true, Value: types.Item{ID: id, Name: "Item"}}, nil
	default:
		return singleflight.Result[types.Item]{Found: false}, nil
	}
}

func TestService_Get(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	svc := items.NewService(cache.NewInMemoryStore[int, types.Item](), remote, 0, zerolog.Nop())

	item, err := svc.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, item.ID)

	_, err = svc.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.total.Load(), "Stored items are not fetched again")

	_, err = svc.Get(ctx, 404)
	require.ErrorIs(t, err, store.ErrNotFound)

	name, err := svc.Name(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Item", name)
}

func TestService_ConcurrentGetFetchesOnce(t *testing.T) {
	remote := newFakeRemote()
	svc := items.NewService(cache.NewInMemoryStore[int, types.Item](), remote, 0, zerolog.Nop())

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Get(context.Background(), 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.calls[3])
}

func TestService_GetMany(t *testing.T) {
	// Arrange
	remote := newFakeRemote()
	svc := items.NewService(cache.NewInMemoryStore[int, types.Item](), remote, 2, zerolog.Nop())

	// Act
	found, err := svc.GetMany(context.Background(), []int{1, 2, 2, 404, 500})

	// Assert
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)
	assert.Len(t, found, 2)
	assert.Contains(t, found, 1)
	assert.Contains(t, found, 2)
	assert.NotContains(t, found, 404, "Unknown ids are skipped")

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.calls[2], "Duplicate ids are looked up once")
}

func TestService_GetManyAllFound(t *testing.T) {
	svc := items.NewService(cache.NewInMemoryStore[int, types.Item](), newFakeRemote(), 0, zerolog.Nop())

	found, err := svc.GetMany(context.Background(), []int{10, 11})

	require.NoError(t, err)
	assert.Len(t, found, 2)
}
