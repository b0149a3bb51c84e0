package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

// MessageStore implements store.MessageStore using in-memory storage.
// Used by unit tests and single-process development.
type MessageStore struct {
	mu sync.RWMutex

	messages       map[string]*models.Message // message ID -> Message
	messagesByJob  map[string]string          // job ID -> message ID
	messagesByConv map[string][]string        // conversation ID -> []message ID, insertion order
	conversations  map[string]*models.Conversation
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages:       make(map[string]*models.Message),
		messagesByJob:  make(map[string]string),
		messagesByConv: make(map[string][]string),
		conversations:  make(map[string]*models.Conversation),
	}
}

// EnsureUserMessage records the user's side of an exchange exactly once.
// A user message with the same trimmed content already present in the
// conversation is returned as-is.
func (s *MessageStore) EnsureUserMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := strings.TrimSpace(content)
	for _, id := range s.messagesByConv[conversationID] {
		msg := s.messages[id]
		if msg.Role == models.RoleUser && strings.TrimSpace(msg.Content) == trimmed {
			clone := *msg
			return &clone, nil
		}
	}

	now := time.Now()
	msg := &models.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.insertLocked(msg)

	clone := *msg
	return &clone, nil
}

// SaveAssistantMessage inserts or, keyed by JobID, updates an assistant
// message. Retried jobs overwrite their earlier partial output instead of
// appending a duplicate reply.
func (s *MessageStore) SaveAssistantMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if msg.JobID != "" {
		if existingID, exists := s.messagesByJob[msg.JobID]; exists {
			existing := s.messages[existingID]
			existing.Content = msg.Content
			existing.Question = msg.Question
			existing.UpdatedAt = now

			clone := *existing
			return &clone, nil
		}
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}
	stored.Role = models.RoleAssistant
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.insertLocked(&stored)

	clone := stored
	return &clone, nil
}

// insertLocked adds a message to the maps and indexes. Caller holds the lock.
func (s *MessageStore) insertLocked(msg *models.Message) {
	s.messages[msg.ID] = msg
	s.messagesByConv[msg.ConversationID] = append(s.messagesByConv[msg.ConversationID], msg.ID)
	if msg.JobID != "" {
		s.messagesByJob[msg.JobID] = msg.ID
	}
}

// GetMessage retrieves a message by ID.
func (s *MessageStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[messageID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, messageID)
	}

	clone := *msg
	return &clone, nil
}

// GetMessageByJobID retrieves the assistant message produced by a job, if any.
func (s *MessageStore) GetMessageByJobID(ctx context.Context, jobID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.messagesByJob[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: job %s", store.ErrMessageNotFound, jobID)
	}

	clone := *s.messages[id]
	return &clone, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *MessageStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.messagesByConv[conversationID]
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		clone := *s.messages[id]
		out = append(out, &clone)
	}
	return out, nil
}

// GetConversation retrieves conversation metadata.
func (s *MessageStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrConversationNotFound, conversationID)
	}

	clone := *conv
	return &clone, nil
}

// SetConversationState upserts the conversation record, creating it on
// first touch. An empty userID leaves the recorded owner unchanged.
func (s *MessageStore) SetConversationState(ctx context.Context, conversationID, userID, state string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		conv = &models.Conversation{ID: conversationID}
		s.conversations[conversationID] = conv
	}
	if userID != "" {
		conv.UserID = userID
	}
	conv.State = state
	conv.UpdatedAt = time.Now()

	clone := *conv
	return &clone, nil
}
