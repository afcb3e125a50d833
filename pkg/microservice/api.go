package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-guildmirror/pkg/lottery"
	"github.com/illmade-knight/go-guildmirror/pkg/refresh"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

// Guilds is the read and refresh surface of the refresh coordinator.
type Guilds interface {
	Get(ctx context.Context, id string, force bool) (types.Guild, error)
	List(ctx context.Context, force bool) ([]types.Guild, error)
	Refresh(ctx context.Context, id string, force bool) error
	Status(ctx context.Context, id string) (types.RefreshStatus, error)
}

// Items resolves single items.
type Items interface {
	Get(ctx context.Context, id int) (types.Item, error)
}

// Lottery is the lottery surface exposed over HTTP.
type Lottery interface {
	Entries(ctx context.Context) ([]types.LotteryEntry, error)
	Draw(ctx context.Context) (types.LotteryWinner, error)
	MarkPaid(ctx context.Context, id int64) (types.LotteryWinner, error)
	Stats(ctx context.Context) (lottery.Stats, error)
}

// API serves the mirror's JSON endpoints. Lottery may be nil, in which case
// its routes are not registered. Store enables the maintenance routes; their
// writes go through Retry when it is set.
type API struct {
	Guilds   Guilds
	Children store.Reader
	Items    Items
	Lottery  Lottery
	Store    store.Store
	Retry    *retry.Executor
	Logger   zerolog.Logger
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /guilds", a.listGuilds)
	mux.HandleFunc("GET /guilds/{id}", a.getGuild)
	mux.HandleFunc("GET /guilds/{id}/status", a.guildStatus)
	mux.HandleFunc("GET /guilds/{id}/{collection}", a.guildChildren)
	mux.HandleFunc("POST /guilds/{id}/refresh", a.refreshGuild)
	mux.HandleFunc("GET /items/{id}", a.getItem)
	if a.Store != nil {
		mux.HandleFunc("DELETE /guilds/{id}", a.removeGuild)
		mux.HandleFunc("POST /accounts/merge", a.mergeAccounts)
	}
	if a.Lottery != nil {
		mux.HandleFunc("GET /lottery/entries", a.lotteryEntries)
		mux.HandleFunc("GET /lottery/stats", a.lotteryStats)
		mux.HandleFunc("POST /lottery/draw", a.lotteryDraw)
		mux.HandleFunc("POST /lottery/winners/{id}/paid", a.lotteryPaid)
	}
}

func force(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return v
}

func (a *API) listGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := a.Guilds.List(r.Context(), force(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guilds)
}

func (a *API) getGuild(w http.ResponseWriter, r *http.Request) {
	g, err := a.Guilds.Get(r.Context(), r.PathValue("id"), force(r))
	if errors.Is(err, refresh.ErrNotYetAvailable) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) guildStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Guilds.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) guildChildren(w http.ResponseWriter, r *http.Request) {
	c := store.Collection(r.PathValue("collection"))
	if !c.Valid() {
		http.NotFound(w, r)
		return
	}
	var filter logFilter
	if c == store.Logs {
		var err error
		if filter, err = parseLogFilter(r); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	children, err := a.Children.GetChildren(r.Context(), r.PathValue("id"), c)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if c == store.Logs {
		children = filter.apply(children)
	}
	if children == nil {
		children = []types.Child{}
	}
	writeJSON(w, http.StatusOK, children)
}

// logFilter narrows GET /guilds/{id}/logs. Zero values match everything.
type logFilter struct {
	kind  types.LogKind
	user  string
	limit int
	page  int
}

func parseLogFilter(r *http.Request) (logFilter, error) {
	q := r.URL.Query()
	f := logFilter{kind: types.LogKind(q.Get("type")), user: q.Get("user"), page: 1}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.limit = n
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("page must be a positive integer")
		}
		f.page = n
	}
	return f, nil
}

// apply filters logs by type and user, then cuts out the requested page.
// Logs keep their stored order, oldest first.
func (f logFilter) apply(logs []types.Child) []types.Child {
	out := make([]types.Child, 0, len(logs))
	for _, c := range logs {
		e, ok := c.(types.LogEntry)
		if !ok {
			continue
		}
		if f.kind != "" && e.Type != f.kind {
			continue
		}
		if f.user != "" && e.User != f.user {
			continue
		}
		out = append(out, e)
	}
	if f.limit == 0 {
		return out
	}
	start := (f.page - 1) * f.limit
	if start >= len(out) {
		return []types.Child{}
	}
	return out[start:min(start+f.limit, len(out))]
}

func (a *API) update(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	run := func(ctx context.Context) error { return a.Store.Update(ctx, fn) }
	if a.Retry == nil {
		return run(ctx)
	}
	return a.Retry.Do(ctx, op, run)
}

func (a *API) removeGuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.update(r.Context(), "remove guild", func(ctx context.Context, tx store.Tx) error {
		return tx.RemoveGuild(ctx, id)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Logger.Info().Str("guild_id", id).Msg("Guild removed.")
	w.WriteHeader(http.StatusNoContent)
}

type mergeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (a *API) mergeAccounts(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"from\": ..., \"to\": ...}"})
		return
	}
	if req.From == "" || req.To == "" || req.From == req.To {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to must be distinct account names"})
		return
	}
	var moved int
	err := a.update(r.Context(), "merge accounts", func(ctx context.Context, tx store.Tx) error {
		n, err := tx.MergeAccounts(ctx, req.From, req.To)
		moved = n
		return err
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Logger.Info().Str("from", req.From).Str("to", req.To).Int("moved", moved).Msg("Accounts merged.")
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (a *API) refreshGuild(w http.ResponseWriter, r *http.Request) {
	err := a.Guilds.Refresh(r.Context(), r.PathValue("id"), true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item id must be a positive integer"})
		return
	}
	item, err := a.Items.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) lotteryEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Lottery.Entries(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.LotteryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) lotteryStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Lottery.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) lotteryDraw(w http.ResponseWriter, r *http.Request) {
	winner, err := a.Lottery.Draw(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, winner)
}

func (a *API) lotteryPaid(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "winner id must be an integer"})
		return
	}
	winner, err := a.Lottery.MarkPaid(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winner)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, lottery.ErrNoEntries):
		return http.StatusNotFound
	case errors.Is(err, refresh.ErrRefreshInProgress), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrLocked), errors.Is(err, refresh.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := a.Logger.Warn()
	if code >= http.StatusInternalServerError {
		ev = a.Logger.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("Request failed.")
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
