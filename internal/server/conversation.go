package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	conv, err := s.messages.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to get conversation")
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	writeJSONCached(w, r, conv)
}

// handleListMessages returns the authoritative transcript. An unknown
// conversation yields an empty list, not a 404: clients start polling
// before the first job has created the record.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	messages, err := s.messages.ListMessages(r.Context(), conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to list messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	writeJSONCached(w, r, messages)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	msg, err := s.messages.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		log.Error().Err(err).Str("message_id", messageID).Msg("Failed to get message")
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}
