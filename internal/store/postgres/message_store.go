package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

// messageColumns is the select list scanMessage expects, in order.
const messageColumns = `message_id, conversation_id, COALESCE(job_id::text, ''), role,
	question, content, created_at, updated_at`

// MessageStore implements store.MessageStore using PostgreSQL. It shares
// the job store's connection pool.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a PostgreSQL-backed message store.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// EnsureUserMessage records the user's side of an exchange exactly once
// per conversation, comparing trimmed content.
func (s *MessageStore) EnsureUserMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	selectQuery := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND role = 'user'
		  AND btrim(content, E' \t\r\n') = btrim($2, E' \t\r\n')
		ORDER BY created_at ASC
		LIMIT 1
	`

	msg, err := scanMessage(s.pool.QueryRow(ctx, selectQuery, conversationID, content))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPostgresError(err)
	}

	insertQuery := `
		INSERT INTO messages (message_id, conversation_id, role, content)
		VALUES ($1, $2, 'user', $3)
		RETURNING ` + messageColumns

	msg, err = scanMessage(s.pool.QueryRow(ctx, insertQuery,
		uuid.Must(uuid.NewV7()).String(),
		conversationID,
		content,
	))
	if err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("message_id", msg.ID).
		Str("conversation_id", conversationID).
		Msg("Recorded user message")

	return msg, nil
}

// SaveAssistantMessage inserts the assistant message, or updates the
// existing row carrying the same job id so retried jobs overwrite their
// earlier partial output.
func (s *MessageStore) SaveAssistantMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	messageID := msg.ID
	if messageID == "" {
		messageID = uuid.Must(uuid.NewV7()).String()
	}

	var jobID *string
	if msg.JobID != "" {
		jobID = &msg.JobID
	}

	query := `
		INSERT INTO messages (message_id, conversation_id, job_id, role, question, content)
		VALUES ($1, $2, $3, 'assistant', $4, $5)
		ON CONFLICT (job_id) WHERE job_id IS NOT NULL DO UPDATE SET
			question = EXCLUDED.question,
			content = EXCLUDED.content,
			updated_at = NOW()
		RETURNING ` + messageColumns

	saved, err := scanMessage(s.pool.QueryRow(ctx, query,
		messageID,
		msg.ConversationID,
		jobID,
		msg.Question,
		msg.Content,
	))
	if err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("message_id", saved.ID).
		Str("conversation_id", saved.ConversationID).
		Str("job_id", saved.JobID).
		Msg("Saved assistant message")

	return saved, nil
}

// GetMessage returns a message by ID.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
		}
		return nil, mapPostgresError(err)
	}
	return msg, nil
}

// GetMessageByJobID returns the assistant message a job produced.
func (s *MessageStore) GetMessageByJobID(ctx context.Context, jobID string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE job_id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", store.ErrMessageNotFound, jobID)
		}
		return nil, mapPostgresError(err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages, oldest first. Message
// ids are time-ordered, which breaks same-timestamp ties.
func (s *MessageStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, message_id ASC
	`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return msgs, nil
}

// GetConversation returns the conversation state record.
func (s *MessageStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `SELECT conversation_id, user_id, state, updated_at FROM conversations WHERE conversation_id = $1`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, id).Scan(&conv.ID, &conv.UserID, &conv.State, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrConversationNotFound, id)
		}
		return nil, mapPostgresError(err)
	}
	return &conv, nil
}

// SetConversationState upserts the conversation record, creating it on
// first touch. An empty userID leaves the recorded owner unchanged.
func (s *MessageStore) SetConversationState(ctx context.Context, id, userID, state string) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (conversation_id, user_id, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
			user_id = CASE WHEN EXCLUDED.user_id = '' THEN conversations.user_id ELSE EXCLUDED.user_id END,
			state = EXCLUDED.state,
			updated_at = NOW()
		RETURNING conversation_id, user_id, state, updated_at
	`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, id, userID, state).Scan(&conv.ID, &conv.UserID, &conv.State, &conv.UpdatedAt)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("conversation_id", conv.ID).
		Str("state", conv.State).
		Msg("Updated conversation state")

	return &conv, nil
}

// scanMessage reads one row in messageColumns order.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.JobID,
		&msg.Role,
		&msg.Question,
		&msg.Content,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
