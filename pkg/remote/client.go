// Package remote is the rate-limited client for the Guild Wars 2 v2 API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/illmade-knight/go-guildmirror/pkg/ratelimit"
	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultBaseURL = "https://api.guildwars2.com/v2"

// Config holds the client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

// DefaultConfig returns the production settings without an API key.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		RetryMax:       2,
		RetryWaitMin:   time.Second,
		RetryWaitMax:   10 * time.Second,
	}
}

// Client fetches guilds and items. Every HTTP attempt, retries included,
// takes one token from the limiter.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

// New creates a Client.
func New(cfg Config, limiter ratelimit.Limiter, logger zerolog.Logger) (*Client, error) {
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", cfg.BaseURL)
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
	}

	logger = logger.With().Str("component", "RemoteClient").Logger()
	rc := retryablehttp.NewClient()
	// Timeout spans one attempt including the body read; the transport
	// timeouts alone stop at the response headers.
	rc.HTTPClient = &http.Client{
		Transport: &ratelimit.Transport{Limiter: limiter, Base: base},
		Timeout:   attemptTimeout(cfg),
	}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger}

	return &Client{
		baseURL: u,
		apiKey:  cfg.APIKey,
		http:    rc,
		logger:  logger,
	}, nil
}

// attemptTimeout bounds a whole attempt. Zero leaves attempts unbounded.
func attemptTimeout(cfg Config) time.Duration {
	if cfg.ReadTimeout <= 0 {
		return 0
	}
	return cfg.ConnectTimeout + cfg.ReadTimeout
}

// get issues one GET and decodes a 200 body into out.
func (c *Client) get(ctx context.Context, u *url.URL, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", u.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", u.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fromResponse(u.Path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", u.Path, err)
	}
	return nil
}

// FetchGuild fetches the guild, its members, ranks and the logs newer than
// since. The four requests run in parallel; if any of them fails the whole
// fetch fails. since <= 0 requests the full log window.
func (c *Client) FetchGuild(ctx context.Context, guildID string, since int64) (types.GuildPayload, error) {
	var (
		p      types.GuildPayload
		rawLog []json.RawMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, c.baseURL.JoinPath("guild", guildID), &p.Guild)
	})
	g.Go(func() error {
		u := c.baseURL.JoinPath("guild", guildID, "log")
		if since > 0 {
			u.RawQuery = url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
		}
		return c.get(gctx, u, &rawLog)
	})
	g.Go(func() error {
		return c.get(gctx, c.baseURL.JoinPath("guild", guildID, "members"), &p.Members)
	})
	g.Go(func() error {
		return c.get(gctx, c.baseURL.JoinPath("guild", guildID, "ranks"), &p.Ranks)
	})
	if err := g.Wait(); err != nil {
		return types.GuildPayload{}, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}

	if p.Guild.ID == "" {
		p.Guild.ID = guildID
	}
	for i := range p.Members {
		if p.Members[i].Joined != nil {
			t := p.Members[i].Joined.UTC()
			p.Members[i].Joined = &t
		}
	}
	p.Logs = make([]types.LogEntry, 0, len(rawLog))
	for _, raw := range rawLog {
		entry, err := types.DecodeLogEntry(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("guild_id", guildID).Msg("Skipping malformed log entry.")
			continue
		}
		if !types.IsKnownLogKind(entry.Type) {
			c.logger.Info().Str("guild_id", guildID).Str("type", string(entry.Type)).Int64("log_id", entry.ID).Msg("Unrecognized log type, storing raw.")
		}
		p.Logs = append(p.Logs, entry)
	}
	c.logger.Debug().Str("guild_id", guildID).Int64("since", since).Int("logs", len(p.Logs)).
		Int("members", len(p.Members)).Int("ranks", len(p.Ranks)).Msg("Fetched guild.")
	return p, nil
}

// FetchItem fetches one item. A 404 is a definitive absence, reported as a
// Result with Found false; other failures are errors.
func (c *Client) FetchItem(ctx context.Context, id int) (singleflight.Result[types.Item], error) {
	var item types.Item
	err := c.get(ctx, c.baseURL.JoinPath("items", strconv.Itoa(id)), &item)
	if err != nil {
		if IsNotFound(err) {
			return singleflight.Result[types.Item]{Found: false}, nil
		}
		return singleflight.Result[types.Item]{}, err
	}
	return singleflight.Result[types.Item]{Value: item, Found: true}, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
