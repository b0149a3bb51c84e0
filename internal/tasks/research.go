package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/worker"
)

// ResearchHandler runs multi-step research jobs on the long-running
// queue. Each completed step rewrites the assistant message with the
// content so far, so subscribers can render partial answers.
type ResearchHandler struct {
	messages  store.MessageStore
	agent     Agent
	publisher notify.Publisher
}

// NewResearchHandler wires the research task to its stores.
func NewResearchHandler(messages store.MessageStore, agent Agent, publisher notify.Publisher) *ResearchHandler {
	return &ResearchHandler{messages: messages, agent: agent, publisher: publisher}
}

func (h *ResearchHandler) Execute(ctx context.Context, job *models.Job, progress worker.ProgressFunc) (*worker.Result, error) {
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
		return nil, fmt.Errorf("failed to check for existing answer: %w", err)
	}

	if err := markConversation(ctx, h.messages, h.publisher, payload, models.ConversationReplying); err != nil {
		return nil, err
	}

	if _, err := h.messages.EnsureUserMessage(ctx, payload.ConversationID, payload.Question); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	// Every emit rewrites the same message row (keyed by job id), so
	// subscribers fetching mid-run see the latest partial.
	emit := func(partial string) error {
		message, err := h.saveAnswer(ctx, job.ID, payload, partial)
		if err != nil {
			return fmt.Errorf("failed to save partial answer: %w", err)
		}

		progress(ctx, message.ID)

		return nil
	}

	answer, err := h.agent.Research(ctx, payload.Question, emit)
	if err != nil {
		return nil, fmt.Errorf("agent research failed: %w", err)
	}

	message, err := h.saveAnswer(ctx, job.ID, payload, answer)
	if err != nil {
		return nil, fmt.Errorf("failed to save answer: %w", err)
	}

	if err := markConversation(ctx, h.messages, h.publisher, payload, models.ConversationIdle); err != nil {
		return nil, err
	}

	return messageResult(message), nil
}

func (h *ResearchHandler) saveAnswer(ctx context.Context, jobID string, payload *TaskPayload, content string) (*models.Message, error) {
	message, err := h.messages.SaveAssistantMessage(ctx, &models.Message{
		ConversationID: payload.ConversationID,
		JobID:          jobID,
		Question:       payload.Question,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	publishEvent(ctx, h.publisher, notify.Event{
		Type:           notify.EventMessageUpdated,
		ConversationID: payload.ConversationID,
		JobID:          jobID,
		MessageID:      message.ID,
		Timestamp:      time.Now().UTC(),
	})

	return message, nil
}
