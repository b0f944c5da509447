// Package invalidation evicts cached domain records when a Pub/Sub message
// announces that a hostname was reconfigured.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/firebuzz-ai/edge-dispatcher/internal/metrics"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// HostnameAttribute names the message attribute carrying the hostname. When
// absent the message data is used instead.
const HostnameAttribute = "hostname"

// PurgeAll in place of a hostname drops every cached entry.
const PurgeAll = "*"

// Config selects the subscription to consume.
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	ProjectID      string `mapstructure:"project_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// Cache is the set of cache operations driven by messages.
type Cache interface {
	Invalidate(hostname string)
	Purge()
}

// Subscriber applies invalidation messages to a Cache.
type Subscriber struct {
	sub    *pubsub.Subscription
	cache  Cache
	logger *zap.Logger
	client *pubsub.Client
}

// New consumes sub. The subscription's client stays owned by the caller.
func New(sub *pubsub.Subscription, cache Cache, logger *zap.Logger) (*Subscriber, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Subscriber{sub: sub, cache: cache, logger: logger}, nil
}

// Open creates a client for cfg.ProjectID and a Subscriber that closes it.
func Open(ctx context.Context, cfg Config, cache Cache, logger *zap.Logger) (*Subscriber, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("invalidation.project_id is required")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("invalidation.subscription_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s, err := New(client.Subscription(cfg.SubscriptionID), cache, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// Run receives messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("invalidation subscriber started", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		s.Handle(msg.ID, msg.Attributes, msg.Data)
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive invalidations: %w", err)
	}
	return nil
}

// Handle applies one message. Messages without a usable hostname are dropped.
func (s *Subscriber) Handle(id string, attrs map[string]string, data []byte) {
	raw := attrs[HostnameAttribute]
	if raw == "" {
		raw = string(data)
	}
	if strings.TrimSpace(raw) == PurgeAll {
		s.cache.Purge()
		metrics.ObserveInvalidation("purged")
		return
	}
	host := routing.NormalizeHost(raw)
	if host == "" {
		s.logger.Warn("invalidation message without hostname", zap.String("message_id", id))
		metrics.ObserveInvalidation("invalid")
		return
	}
	s.cache.Invalidate(host)
	metrics.ObserveInvalidation("invalidated")
	s.logger.Debug("domain invalidated", zap.String("host", host), zap.String("message_id", id))
}

// Close releases the Pub/Sub client when the subscriber created it.
func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
