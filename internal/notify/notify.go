// Package notify fans out conversation events to subscribers. Events are
// thin signals carrying identifiers, never message content; consumers
// fetch current state through the read API after a signal arrives.
package notify

import (
	"context"
	"time"
)

// Event types emitted by the workers and handlers.
const (
	EventJobStarted     = "job:started"
	EventJobProgress    = "job:progress"
	EventJobCompleted   = "job:completed"
	EventJobFailed      = "job:failed"
	EventMessageUpdated = "message:updated"
	EventStateUpdated   = "state:updated"
)

// Event is the notification envelope delivered to subscribers of a
// conversation.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	JobID          string    `json:"jobId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	State          string    `json:"state,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Progress       int       `json:"progress,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher is the sending half of a broker, all the workers need.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher discards events. Used by workers running without a
// broker, where clients converge through the polling feed alone.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Subscription is a live event feed for one conversation. The channel
// closes when the subscription or its broker shuts down.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Broker routes events between publishers and per-conversation
// subscribers. Delivery is best-effort: slow subscribers lose events
// rather than block publishers, and consumers recover by re-fetching.
type Broker interface {
	Publisher

	// Subscribe registers for a conversation's events.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)

	// Close shuts the broker down and closes all subscriptions.
	Close() error
}
