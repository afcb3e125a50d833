package microservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/lottery"
	"github.com/illmade-knight/go-guildmirror/pkg/microservice"
	"github.com/illmade-knight/go-guildmirror/pkg/refresh"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuilds struct {
	guilds     map[string]types.Guild
	refreshErr error
	forced     []bool
}

func (f *fakeGuilds) Get(_ context.Context, id string, force bool) (types.Guild, error) {
	f.forced = append(f.forced, force)
	g, ok := f.guilds[id]
	if !ok {
		return types.Guild{}, fmt.Errorf("guild %s: %w", id, refresh.ErrNotYetAvailable)
	}
	return g, nil
}

func (f *fakeGuilds) List(_ context.Context, _ bool) ([]types.Guild, error) {
	var out []types.Guild
	for _, g := range f.guilds {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGuilds) Refresh(_ context.Context, _ string, _ bool) error { return f.refreshErr }

func (f *fakeGuilds) Status(_ context.Context, _ string) (types.RefreshStatus, error) {
	return types.RefreshStatus{InProgress: true}, nil
}

type fakeItems struct{}

func (fakeItems) Get(_ context.Context, id int) (types.Item, error) {
	if id == 24 {
		return types.Item{ID: 24, Name: "Snowball"}, nil
	}
	return types.Item{}, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
}

type fakeLottery struct{}

func (fakeLottery) Entries(context.Context) ([]types.LotteryEntry, error) { return nil, nil }

func (fakeLottery) Draw(context.Context) (types.LotteryWinner, error) {
	return types.LotteryWinner{}, lottery.ErrNoEntries
}

func (fakeLottery) MarkPaid(_ context.Context, id int64) (types.LotteryWinner, error) {
	now := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	return types.LotteryWinner{ID: id, PaidOut: true, PaidAt: &now}, nil
}

func (fakeLottery) Stats(context.Context) (lottery.Stats, error) {
	return lottery.Stats{Year: 2024, Week: 10, PotCopper: 50_000, EntryCount: 2}, nil
}

var logTime = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func testLogs() []types.Child {
	return []types.Child{
		types.LogEntry{ID: 1, Time: logTime, Type: types.LogJoin, User: "Alice.1234", Detail: types.JoinDetail{}},
		types.LogEntry{ID: 2, Time: logTime, Type: types.LogMotd, User: "Bob.5678", Detail: types.UnrecognizedDetail{}},
		types.LogEntry{ID: 3, Time: logTime, Type: types.LogJoin, User: "Bob.5678", Detail: types.JoinDetail{}},
		types.LogEntry{ID: 4, Time: logTime, Type: types.LogJoin, User: "Carol.9012", Detail: types.JoinDetail{}},
	}
}

func newTestServer(t *testing.T, guilds *fakeGuilds) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"g1", "g2"} {
			if err := tx.PutGuild(ctx, types.Guild{ID: id}); err != nil {
				return err
			}
			members := []types.Child{types.Member{Name: "Old.1111", Rank: "Member"}}
			if err := tx.WriteChildren(ctx, id, store.Members, store.Changes{Insert: members}); err != nil {
				return err
			}
		}
		if err := tx.WriteChildren(ctx, "g1", store.Logs, store.Changes{Insert: testLogs()}); err != nil {
			return err
		}
		return tx.WriteChildren(ctx, "g1", store.Ranks, store.Changes{Insert: []types.Child{types.Rank{ID: "Leader", Order: 1}}})
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	api := &microservice.API{
		Guilds:   guilds,
		Children: s,
		Items:    fakeItems{},
		Lottery:  fakeLottery{},
		Store:    s,
		Retry:    retry.New(retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
		Logger:   zerolog.Nop(),
	}
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()
	return doBody(t, method, url, "")
}

func doBody(t *testing.T, method, url, payload string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAPI_Guilds(t *testing.T) {
	guilds := &fakeGuilds{guilds: map[string]types.Guild{"g1": {ID: "g1", Name: "Guild One", Tag: "ONE"}}}
	srv, _ := newTestServer(t, guilds)

	t.Run("Cached guild", func(t *testing.T) {
		code, body := do(t, http.MethodGet, srv.URL+"/guilds/g1?force=true")
		assert.Equal(t, http.StatusOK, code)
		var g types.Guild
		require.NoError(t, json.Unmarshal([]byte(body), &g))
		assert.Equal(t, "Guild One", g.Name)
		assert.Equal(t, []bool{true}, guilds.forced)
	})

	t.Run("Not yet available", func(t *testing.T) {
		code, body := do(t, http.MethodGet, srv.URL+"/guilds/unknown")
		assert.Equal(t, http.StatusAccepted, code)
		assert.JSONEq(t, `{"status":"refreshing"}`, body)
	})

	t.Run("List", func(t *testing.T) {
		code, body := do(t, http.MethodGet, srv.URL+"/guilds")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "Guild One")
	})

	t.Run("Status", func(t *testing.T) {
		code, body := do(t, http.MethodGet, srv.URL+"/guilds/g1/status")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `"in_progress":true`)
	})

	t.Run("Children", func(t *testing.T) {
		code, body := do(t, http.MethodGet, srv.URL+"/guilds/g1/ranks")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `"id":"Leader"`)

		code, _ = do(t, http.MethodGet, srv.URL+"/guilds/g1/treasure")
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestAPI_Refresh(t *testing.T) {
	guilds := &fakeGuilds{}
	srv, _ := newTestServer(t, guilds)

	code, _ := do(t, http.MethodPost, srv.URL+"/guilds/g1/refresh")
	assert.Equal(t, http.StatusNoContent, code)

	guilds.refreshErr = fmt.Errorf("guild g1: %w", refresh.ErrRefreshInProgress)
	code, body := do(t, http.MethodPost, srv.URL+"/guilds/g1/refresh")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "refresh already in progress")

	guilds.refreshErr = fmt.Errorf("merge: %w", store.ErrLocked)
	code, _ = do(t, http.MethodPost, srv.URL+"/guilds/g1/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	guilds.refreshErr = fmt.Errorf("guild g1: %w", refresh.ErrClosed)
	code, _ = do(t, http.MethodPost, srv.URL+"/guilds/g1/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAPI_Items(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGuilds{})

	code, body := do(t, http.MethodGet, srv.URL+"/items/24")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Snowball")

	code, _ = do(t, http.MethodGet, srv.URL+"/items/25")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/items/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_Lottery(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGuilds{})

	code, body := do(t, http.MethodGet, srv.URL+"/lottery/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"current_pot":50000`)

	code, body = do(t, http.MethodGet, srv.URL+"/lottery/entries")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, _ = do(t, http.MethodPost, srv.URL+"/lottery/draw")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, http.MethodPost, srv.URL+"/lottery/winners/7/paid")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"paid_out":true`)
}

func TestAPI_Logs(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGuilds{})

	ids := func(t *testing.T, body string) []int64 {
		t.Helper()
		var raw []map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &raw))
		out := make([]int64, 0, len(raw))
		for _, e := range raw {
			out = append(out, int64(e["id"].(float64)))
		}
		return out
	}

	testCases := []struct {
		name  string
		query string
		want  []int64
	}{
		{name: "Unfiltered", query: "", want: []int64{1, 2, 3, 4}},
		{name: "By type", query: "?type=joined", want: []int64{1, 3, 4}},
		{name: "By user", query: "?user=Bob.5678", want: []int64{2, 3}},
		{name: "Type and user", query: "?type=joined&user=Bob.5678", want: []int64{3}},
		{name: "First page", query: "?type=joined&limit=2", want: []int64{1, 3}},
		{name: "Second page", query: "?type=joined&limit=2&page=2", want: []int64{4}},
		{name: "Past the end", query: "?limit=2&page=5", want: []int64{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, http.MethodGet, srv.URL+"/guilds/g1/logs"+tc.query)
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, tc.want, ids(t, body))
		})
	}

	t.Run("Rejects a bad limit", func(t *testing.T) {
		code, _ := do(t, http.MethodGet, srv.URL+"/guilds/g1/logs?limit=0")
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = do(t, http.MethodGet, srv.URL+"/guilds/g1/logs?limit=2&page=x")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestAPI_RemoveGuild(t *testing.T) {
	srv, s := newTestServer(t, &fakeGuilds{})

	code, _ := do(t, http.MethodDelete, srv.URL+"/guilds/g1")
	assert.Equal(t, http.StatusNoContent, code)

	_, err := s.GetGuild(context.Background(), "g1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetGuild(context.Background(), "g2")
	require.NoError(t, err)

	code, _ = do(t, http.MethodDelete, srv.URL+"/guilds/g1")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_MergeAccounts(t *testing.T) {
	srv, s := newTestServer(t, &fakeGuilds{})

	t.Run("Moves memberships", func(t *testing.T) {
		code, body := doBody(t, http.MethodPost, srv.URL+"/accounts/merge", `{"from":"Old.1111","to":"New.2222"}`)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"moved":2}`, body)

		for _, id := range []string{"g1", "g2"} {
			members, err := s.GetChildren(context.Background(), id, store.Members)
			require.NoError(t, err)
			require.Len(t, members, 1)
			assert.Equal(t, "New.2222", members[0].ChildKey())
		}
	})

	t.Run("Rejects a bad request", func(t *testing.T) {
		code, _ := doBody(t, http.MethodPost, srv.URL+"/accounts/merge", `{"from":"A.1","to":"A.1"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = doBody(t, http.MethodPost, srv.URL+"/accounts/merge", `not json`)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestBaseServer_StartAndShutdown(t *testing.T) {
	// Arrange
	s := microservice.NewBaseServer(zerolog.Nop(), ":0")

	// Act
	require.NoError(t, s.Start())
	port := s.GetHTTPPort()

	// Assert
	require.NotEqual(t, ":0", port)
	code, body := do(t, http.MethodGet, "http://localhost"+port+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
