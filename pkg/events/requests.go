package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-guildmirror/pkg/refresh"
	"github.com/rs/zerolog"
)

// RefreshRequest asks the mirror to refresh one guild.
type RefreshRequest struct {
	GuildID string `json:"guild_id"`
	Force   bool   `json:"force"`
}

// Refresher performs a refresh synchronously.
type Refresher interface {
	Refresh(ctx context.Context, id string, force bool) error
}

// ConsumerConfig holds configuration for RefreshRequestConsumer.
type ConsumerConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// RefreshRequestConsumer receives RefreshRequests from a Pub/Sub
// subscription. Malformed requests and requests for a guild already being
// refreshed are acked; any other refresh failure is nacked for redelivery.
type RefreshRequestConsumer struct {
	subscription *pubsub.Subscription
	refresher    Refresher
	logger       zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRefreshRequestConsumer verifies the subscription exists before returning.
func NewRefreshRequestConsumer(ctx context.Context, cfg ConsumerConfig, client *pubsub.Client, r Refresher, logger zerolog.Logger) (*RefreshRequestConsumer, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if r == nil {
		return nil, errors.New("refresher cannot be nil")
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 10
	}
	if cfg.NumGoroutines <= 0 {
		cfg.NumGoroutines = 2
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &RefreshRequestConsumer{
		subscription: sub,
		refresher:    r,
		logger:       logger.With().Str("component", "RefreshRequestConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		done:         make(chan struct{}),
	}, nil
}

// Start receives messages in a background goroutine until Stop is called or
// ctx ends.
func (c *RefreshRequestConsumer) Start(ctx context.Context) {
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.logger.Info().Msg("Receiving refresh requests.")
		err := c.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			if c.Process(ctx, msg.Data) {
				msg.Ack()
				return
			}
			msg.Nack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		c.logger.Info().Msg("Refresh request consumer stopped.")
	}()
}

// Process handles one request payload and reports whether the message should
// be acked.
func (c *RefreshRequestConsumer) Process(ctx context.Context, payload []byte) bool {
	var req RefreshRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.GuildID == "" {
		c.logger.Warn().Err(err).Bytes("payload", payload).Msg("Dropping malformed refresh request.")
		return true
	}
	err := c.refresher.Refresh(ctx, req.GuildID, req.Force)
	switch {
	case err == nil:
		return true
	case errors.Is(err, refresh.ErrRefreshInProgress):
		c.logger.Debug().Str("guild_id", req.GuildID).Msg("Refresh already running, acking request.")
		return true
	default:
		c.logger.Warn().Err(err).Str("guild_id", req.GuildID).Msg("Refresh request failed, nacking.")
		return false
	}
}

// Stop cancels receiving and waits for in-flight handlers, bounded by ctx.
func (c *RefreshRequestConsumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for refresh request consumer: %w", ctx.Err())
		}
	})
	return err
}

// Done is closed once the consumer has stopped.
func (c *RefreshRequestConsumer) Done() <-chan struct{} { return c.done }
