package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	httpmiddleware "github.com/parleyhq/parley/internal/http"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

// enqueueJobRequest is the POST /api/v1/jobs body.
type enqueueJobRequest struct {
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// enqueueJobResponse is the receipt returned on 202.
type enqueueJobResponse struct {
	JobID     string          `json:"jobId"`
	State     models.JobState `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), store.EnqueueRequest{
		Queue:     req.Queue,
		Payload:   req.Payload,
		RequestID: req.RequestID,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidQueue) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("queue", req.Queue).Msg("Failed to enqueue job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	log.Info().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("client_ip", httpmiddleware.ClientIPFromContext(r.Context())).
		Msg("Job accepted")

	writeJSON(w, http.StatusAccepted, enqueueJobResponse{
		JobID:     job.ID,
		State:     job.State,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	req := store.ListJobsRequest{
		Queue: query.Get("queue"),
		State: models.JobState(query.Get("state")),
	}
	if req.State != "" && !req.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job state: "+string(req.State))
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = limit
	}

	jobs, err := s.jobs.ListJobs(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("queue", req.Queue).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	writeJSON(w, http.StatusOK, jobs)
}
