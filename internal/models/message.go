package models

import "time"

// Message roles. The core only distinguishes the user's question from the
// assistant's reply.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation states visible to clients via state:updated events.
const (
	ConversationIdle     = "idle"
	ConversationReplying = "replying"
)

// Message is the authoritative stored form of a conversation entry. JobID
// links an assistant reply to the job that produced it and doubles as the
// idempotency marker: a handler re-run finds the existing row and skips the
// write.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	JobID          string    `json:"jobId,omitempty"`
	Role           string    `json:"role"`
	Question       string    `json:"question,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Conversation carries the small amount of conversation state the core
// reads and writes: who owns it and whether a reply is in flight.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}
