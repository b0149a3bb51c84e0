package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/worker"
)

// TaskPayload is the payload both conversation queues carry.
type TaskPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	Question       string `json:"question"`
}

func parsePayload(raw json.RawMessage) (*TaskPayload, error) {
	var payload TaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	if payload.ConversationID == "" || strings.TrimSpace(payload.Question) == "" {
		return nil, errors.New("payload requires conversationId and question")
	}

	return &payload, nil
}

// ReplyHandler answers a single chat question on the interactive queue.
// Re-runs of the same job return the already-written answer instead of
// asking the agent again.
type ReplyHandler struct {
	messages  store.MessageStore
	agent     Agent
	publisher notify.Publisher
}

// NewReplyHandler wires the reply task to its stores.
func NewReplyHandler(messages store.MessageStore, agent Agent, publisher notify.Publisher) *ReplyHandler {
	return &ReplyHandler{messages: messages, agent: agent, publisher: publisher}
}

func (h *ReplyHandler) Execute(ctx context.Context, job *models.Job, _ worker.ProgressFunc) (*worker.Result, error) {
	payload, err := parsePayload(job.Payload)
	if err != nil {
		return nil, worker.Permanent(err)
	}

	// A stalled earlier attempt may already have written the answer.
	existing, err := h.messages.GetMessageByJobID(ctx, job.ID)
	if err == nil {
		if err := markConversation(ctx, h.messages, h.publisher, payload, models.ConversationIdle); err != nil {
			return nil, err
		}
		return messageResult(existing), nil
	}
	if !errors.Is(err, store.ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to check for existing reply: %w", err)
	}

	if err := markConversation(ctx, h.messages, h.publisher, payload, models.ConversationReplying); err != nil {
		return nil, err
	}

	if _, err := h.messages.EnsureUserMessage(ctx, payload.ConversationID, payload.Question); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	answer, err := h.agent.Reply(ctx, payload.Question)
	if err != nil {
		return nil, fmt.Errorf("agent reply failed: %w", err)
	}

	message, err := h.messages.SaveAssistantMessage(ctx, &models.Message{
		ConversationID: payload.ConversationID,
		JobID:          job.ID,
		Question:       payload.Question,
		Content:        answer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save reply: %w", err)
	}

	publishEvent(ctx, h.publisher, notify.Event{
		Type:           notify.EventMessageUpdated,
		ConversationID: payload.ConversationID,
		JobID:          job.ID,
		MessageID:      message.ID,
		Timestamp:      time.Now().UTC(),
	})

	if err := markConversation(ctx, h.messages, h.publisher, payload, models.ConversationIdle); err != nil {
		return nil, err
	}

	return messageResult(message), nil
}

func messageResult(message *models.Message) *worker.Result {
	return &worker.Result{
		Data:      json.RawMessage(fmt.Sprintf("{\"messageId\":%q}", message.ID)),
		MessageID: message.ID,
	}
}

// markConversation upserts the conversation state and signals the
// change to subscribers.
func markConversation(ctx context.Context, messages store.MessageStore, publisher notify.Publisher, payload *TaskPayload, state string) error {
	conv, err := messages.SetConversationState(ctx, payload.ConversationID, payload.UserID, state)
	if err != nil {
		return fmt.Errorf("failed to set conversation state: %w", err)
	}

	publishEvent(ctx, publisher, notify.Event{
		Type:           notify.EventStateUpdated,
		ConversationID: conv.ID,
		State:          conv.State,
		Timestamp:      time.Now().UTC(),
	})

	return nil
}

// publishEvent logs publish failures; missed signals are covered by the
// clients' polling feed.
func publishEvent(ctx context.Context, publisher notify.Publisher, event notify.Event) {
	if err := publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event_type", event.Type).
			Str("conversation_id", event.ConversationID).
			Msg("Failed to publish event")
	}
}
