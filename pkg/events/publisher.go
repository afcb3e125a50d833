// Package events announces committed guild refreshes on Pub/Sub so that
// downstream consumers do not have to poll the mirror.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends single messages.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes pending messages, bounded by ctx.
	Stop(ctx context.Context) error
}

// PublisherConfig holds configuration for GoogleSimplePublisher.
type PublisherConfig struct {
	TopicID string
	// PublishTimeout bounds the wait for the server to acknowledge a message.
	PublishTimeout time.Duration
}

// GoogleSimplePublisher publishes one message at a time and waits for the
// server to acknowledge it.
type GoogleSimplePublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGoogleSimplePublisher verifies the topic exists before returning.
func NewGoogleSimplePublisher(ctx context.Context, cfg PublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSimplePublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}
	// Notifications are rare; batching would only add latency.
	topic.PublishSettings.CountThreshold = 1

	return &GoogleSimplePublisher{
		topic:   topic,
		timeout: cfg.PublishTimeout,
		logger:  logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish sends payload and returns once the server has accepted it.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic.ID(), err)
	}
	p.logger.Debug().Str("published_msg_id", msgID).Msg("Message published.")
	return nil
}

// Stop flushes pending messages for the topic, respecting ctx.
func (p *GoogleSimplePublisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
