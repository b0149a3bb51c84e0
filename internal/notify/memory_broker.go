package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/telemetry"
)

// subscriberBuffer is the per-subscription channel capacity. A consumer
// that falls further behind than this loses events.
const subscriberBuffer = 100

// MemoryBroker is an in-process Broker for single-node deployments and
// tests. Events fan out to per-conversation channel lists.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

type memorySubscription struct {
	broker         *MemoryBroker
	conversationID string
	events         chan Event
	closeOnce      sync.Once
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string][]*memorySubscription),
	}
}

// Publish sends an event to all active subscriptions for the event's
// conversation. Uses non-blocking sends to prevent slow consumers from
// blocking publishers. The read lock is held for the duration of the
// fanout so channels cannot be closed mid-send.
func (b *MemoryBroker) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	for _, sub := range b.subs[event.ConversationID] {
		select {
		case sub.events <- event:
		default:
			// Channel full, drop event (non-blocking)
			telemetry.GetMetrics().EventsDroppedTotal.Add(ctx, 1)
			log.Warn().
				Str("conversation_id", event.ConversationID).
				Str("event_type", event.Type).
				Msg("Subscriber channel full, dropping event")
		}
	}

	telemetry.GetMetrics().EventsPublishedTotal.Add(ctx, 1)

	return nil
}

// Subscribe registers a channel to receive events for a conversation.
func (b *MemoryBroker) Subscribe(_ context.Context, conversationID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &memorySubscription{
		broker:         b,
		conversationID: conversationID,
		events:         make(chan Event, subscriberBuffer),
	}

	b.subs[conversationID] = append(b.subs[conversationID], sub)
	log.Debug().
		Str("conversation_id", conversationID).
		Int("subscriber_count", len(b.subs[conversationID])).
		Msg("Registered subscriber")

	return sub, nil
}

// Close shuts the broker down and closes every subscription channel.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for conversationID, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.events) })
		}
		delete(b.subs, conversationID)
	}

	return nil
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

// Close removes the subscription from the broker and closes its channel.
func (s *memorySubscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	subs := s.broker.subs[s.conversationID]
	for i, sub := range subs {
		if sub == s {
			s.broker.subs[s.conversationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	// Clean up empty subscriber lists
	if len(s.broker.subs[s.conversationID]) == 0 {
		delete(s.broker.subs, s.conversationID)
	}

	s.closeOnce.Do(func() { close(s.events) })
	log.Debug().Str("conversation_id", s.conversationID).Msg("Deregistered subscriber")
}
