// Package server exposes the HTTP API: job enqueue and status, the
// conversation read endpoints the reconciler fetches from, and the
// realtime gateway mount.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/store"
)

// Server wraps the HTTP API over the job and message stores
type Server struct {
	jobs     store.JobStore
	messages store.MessageStore
	gateway  http.Handler
}

// NewServer creates a new server with the given stores
func NewServer(jobs store.JobStore, messages store.MessageStore) *Server {
	return &Server{
		jobs:     jobs,
		messages: messages,
	}
}

// WithGateway mounts a WebSocket gateway at /ws.
func (s *Server) WithGateway(gateway http.Handler) *Server {
	s.gateway = gateway
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v1/jobs", s.handleEnqueueJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleGetMessage)

	if s.gateway != nil {
		mux.Handle("GET /ws", s.gateway)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSONCached stamps a content-derived ETag on the response and
// answers a matching If-None-Match with 304, so polling clients
// revalidate instead of re-downloading unchanged bodies.
func writeJSONCached(w http.ResponseWriter, r *http.Request, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response body")
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	h := crc64nvme.New()
	_, _ = h.Write(body)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%016x", h.Sum64()))

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
