package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
)

// JobStoreConfig holds tuning for the in-memory job store.
type JobStoreConfig struct {
	// Queues is the set of known queues and their policies.
	Queues models.QueueSet

	// SweepInterval is the cadence of the stall-recovery and retention
	// sweeps. Must be at most the lease duration workers use.
	SweepInterval time.Duration

	// Archiver, when set, receives purged terminal jobs.
	Archiver store.JobArchiver
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *JobStoreConfig) ApplyDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Second
	}
}

// JobStore implements store.JobStore with in-memory state. Used by unit
// tests and single-process development; semantics mirror the postgres
// store.
type JobStore struct {
	mu  sync.RWMutex
	cfg *JobStoreConfig

	jobs       map[string]*models.Job   // job ID -> job
	waiting    map[string][]*models.Job // queue name -> waiting jobs (FIFO)
	leases     map[string]*models.Lease // job ID -> active lease
	requestIDs map[string]string        // request ID -> job ID

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// NewJobStore creates an in-memory job store for the given queue set.
func NewJobStore(cfg *JobStoreConfig) *JobStore {
	cfg.ApplyDefaults()
	return &JobStore{
		cfg:        cfg,
		jobs:       make(map[string]*models.Job),
		waiting:    make(map[string][]*models.Job),
		leases:     make(map[string]*models.Lease),
		requestIDs: make(map[string]string),
		stopSweep:  make(chan struct{}),
	}
}

// Start begins the background stall and retention sweeps.
func (s *JobStore) Start() error {
	s.sweepTicker = time.NewTicker(s.cfg.SweepInterval)
	go s.sweepLoop()
	return nil
}

// Stop terminates background operations.
func (s *JobStore) Stop() error {
	if s.sweepTicker != nil {
		s.sweepTicker.Stop()
	}
	close(s.stopSweep)
	return nil
}

func (s *JobStore) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			ctx := context.Background()
			if _, err := s.RequeueStalled(ctx); err != nil {
				log.Error().Err(err).Msg("Stall sweep failed")
			}
			if _, err := s.PurgeExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Retention sweep failed")
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Enqueue adds a new job to the named queue, idempotent on RequestID.
func (s *JobStore) Enqueue(ctx context.Context, req store.EnqueueRequest) (*models.Job, error) {
	queueCfg, ok := s.cfg.Queues.Get(req.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidQueue, req.Queue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.RequestID != "" {
		if existingID, exists := s.requestIDs[req.RequestID]; exists {
			if job := s.jobs[existingID]; job != nil {
				log.Debug().Str("job_id", job.ID).Str("request_id", req.RequestID).Msg("Job already exists (idempotent)")
				return cloneJob(job), nil
			}
		}
	}

	maxAttempts := queueCfg.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	now := time.Now()
	job := &models.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Queue:       req.Queue,
		State:       models.JobStateWaiting,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
		RequestID:   req.RequestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.jobs[job.ID] = job
	s.waiting[job.Queue] = append(s.waiting[job.Queue], job)
	if req.RequestID != "" {
		s.requestIDs[req.RequestID] = job.ID
	}

	log.Info().Str("job_id", job.ID).Str("queue", job.Queue).Msg("Enqueued job")
	telemetry.GetMetrics().JobsEnqueuedTotal.Add(ctx, 1)
	return cloneJob(job), nil
}

// Lease claims the oldest eligible job on the queue for the worker.
func (s *JobStore) Lease(ctx context.Context, queue, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	if _, ok := s.cfg.Queues.Get(queue); !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidQueue, queue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.promoteDelayedLocked(queue, now)

	pending := s.waiting[queue]
	if len(pending) == 0 {
		return nil, nil
	}

	job := pending[0]
	s.waiting[queue] = pending[1:]

	job.State = models.JobStateActive
	job.Attempts++
	job.DelayedUntil = nil
	job.UpdatedAt = now
	s.leases[job.ID] = &models.Lease{
		JobID:     job.ID,
		WorkerID:  workerID,
		ExpiresAt: now.Add(leaseDuration),
	}

	log.Info().Str("job_id", job.ID).Str("queue", queue).Str("worker_id", workerID).Int("attempts", job.Attempts).Msg("Leased job")
	return cloneJob(job), nil
}

// promoteDelayedLocked moves due delayed jobs back into the waiting FIFO,
// oldest first. Caller holds the write lock.
func (s *JobStore) promoteDelayedLocked(queue string, now time.Time) {
	var due []*models.Job
	for _, job := range s.jobs {
		if job.Queue != queue || job.State != models.JobStateDelayed {
			continue
		}
		if job.DelayedUntil != nil && job.DelayedUntil.After(now) {
			continue
		}
		due = append(due, job)
	}
	if len(due) == 0 {
		return
	}

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	for _, job := range due {
		job.State = models.JobStateWaiting
		job.DelayedUntil = nil
		job.UpdatedAt = now
		s.waiting[queue] = append(s.waiting[queue], job)
	}
}

// ExtendLease pushes out the lease expiry for a job the worker holds.
func (s *JobStore) ExtendLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLeaseLocked(jobID, workerID, time.Now()); err != nil {
		return err
	}

	s.leases[jobID].ExpiresAt = time.Now().Add(leaseDuration)
	if job := s.jobs[jobID]; job != nil {
		job.UpdatedAt = time.Now()
	}

	log.Debug().Str("job_id", jobID).Str("worker_id", workerID).Dur("lease_duration", leaseDuration).Msg("Extended lease")
	return nil
}

// Complete marks the job completed and clears its lease.
func (s *JobStore) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := s.checkLeaseLocked(jobID, workerID, now); err != nil {
		return err
	}

	job := s.jobs[jobID]
	job.State = models.JobStateCompleted
	job.Result = result
	job.ProcessedAt = &now
	job.UpdatedAt = now
	job.FailedReason = ""
	delete(s.leases, jobID)

	log.Info().Str("job_id", jobID).Str("queue", job.Queue).Int("attempts", job.Attempts).Msg("Completed job")
	return nil
}

// Fail records a failure, delaying a retry or failing permanently.
func (s *JobStore) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := s.checkLeaseLocked(jobID, workerID, now); err != nil {
		return err
	}

	job := s.jobs[jobID]
	delete(s.leases, jobID)
	job.FailedReason = reason
	job.UpdatedAt = now

	if retryable && job.Attempts < job.MaxAttempts {
		queueCfg, _ := s.cfg.Queues.Get(job.Queue)
		delayUntil := now.Add(queueCfg.BackoffDelay(job.Attempts))
		job.State = models.JobStateDelayed
		job.DelayedUntil = &delayUntil

		log.Info().Str("job_id", jobID).Str("queue", job.Queue).Int("attempts", job.Attempts).
			Time("delayed_until", delayUntil).Msg("Job failed, retry scheduled")
		return nil
	}

	job.State = models.JobStateFailed
	log.Warn().Str("job_id", jobID).Str("queue", job.Queue).Int("attempts", job.Attempts).
		Str("reason", reason).Bool("retryable", retryable).Msg("Job failed permanently")
	return nil
}

// checkLeaseLocked verifies the worker holds a live lease on an active job.
// Caller holds the lock.
func (s *JobStore) checkLeaseLocked(jobID, workerID string, now time.Time) error {
	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	if job.State != models.JobStateActive {
		return fmt.Errorf("%w: job %s is %s", store.ErrLeaseNotHeld, jobID, job.State)
	}
	lease, exists := s.leases[jobID]
	if !exists || lease.WorkerID != workerID {
		return fmt.Errorf("%w: job %s not leased by %s", store.ErrLeaseNotHeld, jobID, workerID)
	}
	if lease.Expired(now) {
		return fmt.Errorf("%w: lease on job %s expired", store.ErrLeaseNotHeld, jobID)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, req store.ListJobsRequest) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if req.Queue != "" && job.Queue != req.Queue {
			continue
		}
		if req.State != "" && job.State != req.State {
			continue
		}
		matched = append(matched, cloneJob(job))
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// RequeueStalled returns jobs with expired leases to the queue, failing
// permanently those that exhausted their attempts.
func (s *JobStore) RequeueStalled(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	requeued := 0
	for jobID, lease := range s.leases {
		if !lease.Expired(now) {
			continue
		}
		job := s.jobs[jobID]
		delete(s.leases, jobID)
		if job == nil {
			continue
		}

		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts {
			job.State = models.JobStateFailed
			job.FailedReason = "job stalled and exhausted attempts"
			log.Warn().Str("job_id", jobID).Str("queue", job.Queue).Int("attempts", job.Attempts).
				Msg("Stalled job failed permanently")
			continue
		}

		job.State = models.JobStateWaiting
		// Front of the queue: the stalled job was claimed earliest.
		s.waiting[job.Queue] = append([]*models.Job{job}, s.waiting[job.Queue]...)
		requeued++
		log.Warn().Str("job_id", jobID).Str("queue", job.Queue).Str("worker_id", lease.WorkerID).
			Int("attempts", job.Attempts).Msg("Stalled job returned to queue")
	}
	telemetry.GetMetrics().JobsStalledTotal.Add(ctx, int64(requeued))
	return requeued, nil
}

// PurgeExpired deletes terminal jobs past their queue's retention window.
func (s *JobStore) PurgeExpired(ctx context.Context) (store.PurgeStats, error) {
	s.mu.Lock()

	now := time.Now()
	var stats store.PurgeStats
	var purged []*models.Job
	for jobID, job := range s.jobs {
		queueCfg, ok := s.cfg.Queues.Get(job.Queue)
		if !ok {
			continue
		}

		var expired bool
		switch job.State {
		case models.JobStateCompleted:
			ref := job.UpdatedAt
			if job.ProcessedAt != nil {
				ref = *job.ProcessedAt
			}
			expired = now.Sub(ref) > queueCfg.CompletedTTL
			if expired {
				stats.Completed++
			}
		case models.JobStateFailed:
			expired = now.Sub(job.UpdatedAt) > queueCfg.FailedTTL
			if expired {
				stats.Failed++
			}
		}
		if !expired {
			continue
		}

		purged = append(purged, job)
		delete(s.jobs, jobID)
		if job.RequestID != "" {
			delete(s.requestIDs, job.RequestID)
		}
	}
	s.mu.Unlock()

	if len(purged) > 0 && s.cfg.Archiver != nil {
		if err := s.cfg.Archiver.Archive(purged); err != nil {
			log.Warn().Err(err).Int("jobs", len(purged)).Msg("Failed to archive purged jobs")
		} else {
			stats.Archived = len(purged)
		}
	}

	if stats.Completed+stats.Failed > 0 {
		telemetry.GetMetrics().JobsPurgedTotal.Add(ctx, int64(stats.Completed+stats.Failed))
		log.Info().Int("completed", stats.Completed).Int("failed", stats.Failed).
			Int("archived", stats.Archived).Msg("Purged expired jobs")
	}
	return stats, nil
}

// cloneJob copies a job so callers never share the store's mutable state.
func cloneJob(job *models.Job) *models.Job {
	out := *job
	if job.ProcessedAt != nil {
		t := *job.ProcessedAt
		out.ProcessedAt = &t
	}
	if job.DelayedUntil != nil {
		t := *job.DelayedUntil
		out.DelayedUntil = &t
	}
	if job.Payload != nil {
		out.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	if job.Result != nil {
		out.Result = append(json.RawMessage(nil), job.Result...)
	}
	return &out
}
