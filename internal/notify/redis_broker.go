package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/telemetry"
)

// channelPrefix namespaces conversation channels in Redis.
const channelPrefix = "notify:conv:"

// publishMaxTries bounds publish retries. Events are best-effort
// signals, so a publish that keeps failing is dropped.
const publishMaxTries = 3

// RedisBrokerConfig holds connection settings for the Redis broker.
type RedisBrokerConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int
}

// RedisBroker is a Broker backed by Redis pub/sub, for deployments
// where the API server and workers run on separate nodes.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")

	return &RedisBroker{client: client}, nil
}

func conversationChannel(conversationID string) string {
	return channelPrefix + conversationID
}

// Publish marshals the event and publishes it to the conversation's
// channel, retrying transient failures a few times.
func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := conversationChannel(event.ConversationID)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.client.Publish(ctx, channel, payload).Err()
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(publishMaxTries))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	telemetry.GetMetrics().EventsPublishedTotal.Add(ctx, 1)

	return nil
}

// Subscribe opens a Redis subscription on the conversation's channel
// and pumps decoded events to the returned Subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, conversationChannel(conversationID))

	// Wait for the subscription confirmation so events published after
	// Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to conversation %s: %w", conversationID, err)
	}

	sub := &redisSubscription{
		conversationID: conversationID,
		pubsub:         pubsub,
		events:         make(chan Event, subscriberBuffer),
	}
	go sub.pump()

	return sub, nil
}

// Close closes the underlying Redis client, which terminates all
// active subscriptions.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	conversationID string
	pubsub         *redis.PubSub
	events         chan Event
	closeOnce      sync.Once
}

// pump translates raw Redis messages into events until the
// subscription closes.
func (s *redisSubscription) pump() {
	defer close(s.events)

	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn().
				Err(err).
				Str("conversation_id", s.conversationID).
				Msg("Discarding malformed event payload")
			continue
		}

		select {
		case s.events <- event:
		default:
			// Channel full, drop event (non-blocking)
			telemetry.GetMetrics().EventsDroppedTotal.Add(context.Background(), 1)
			log.Warn().
				Str("conversation_id", s.conversationID).
				Str("event_type", event.Type).
				Msg("Subscriber channel full, dropping event")
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

// Close terminates the Redis subscription. The pump drains remaining
// messages and closes the events channel.
func (s *redisSubscription) Close() {
	s.closeOnce.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			log.Warn().
				Err(err).
				Str("conversation_id", s.conversationID).
				Msg("Failed to close subscription")
		}
	})
}
