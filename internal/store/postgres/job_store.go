package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
)

// jobColumns is the select list scanJob expects, in order.
const jobColumns = `job_id, queue, state, payload, result, attempts, max_attempts,
	failed_reason, COALESCE(request_id, ''), created_at, updated_at, processed_at, delayed_until`

// JobStore implements store.JobStore using PostgreSQL as the backend. It
// provides FIFO queue semantics with worker leases, idempotent enqueuing,
// retry backoff, and retention sweeps.
type JobStore struct {
	pool *pgxpool.Pool
	cfg  *JobStoreConfig

	// Lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJobStore creates a PostgreSQL-backed job store on an existing pool.
// The pool is owned by the caller and stays open after Stop; migrations
// run here when the config asks for them.
func NewJobStore(ctx context.Context, pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &JobStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the background sweep and pool monitoring loops.
func (s *JobStore) Start() error {
	log.Info().Msg("Starting PostgreSQL job store")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop gracefully shuts down the job store's background loops. The
// connection pool is left open for the caller to close.
func (s *JobStore) Stop() error {
	log.Info().Msg("Stopping PostgreSQL job store")

	close(s.stopCh)
	s.wg.Wait()

	log.Info().Msg("PostgreSQL job store stopped")
	return nil
}

// sweepLoop periodically recovers stalled jobs and purges expired ones.
func (s *JobStore) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepInterval)
			if _, err := s.RequeueStalled(ctx); err != nil {
				log.Error().Err(err).Msg("Stall sweep failed")
			}
			if _, err := s.PurgeExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Retention sweep failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

// Enqueue adds a new job to the queue with idempotency support. If a job
// with the same request id already exists, the existing job is returned.
func (s *JobStore) Enqueue(ctx context.Context, req store.EnqueueRequest) (*models.Job, error) {
	queueCfg, ok := s.cfg.Queues.Get(req.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidQueue, req.Queue)
	}

	// Check idempotency first
	if req.RequestID != "" {
		existing, err := s.getJobByRequestID(ctx, req.RequestID)
		if err != nil {
			log.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to check idempotency")
			return nil, err
		}
		if existing != nil {
			log.Debug().
				Str("job_id", existing.ID).
				Str("request_id", req.RequestID).
				Msg("Job already exists (idempotent)")
			return existing, nil
		}
	}

	maxAttempts := queueCfg.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}

	jobID := uuid.Must(uuid.NewV7()).String()

	query := `
		INSERT INTO jobs (job_id, queue, state, payload, max_attempts, request_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) WHERE request_id IS NOT NULL DO NOTHING
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		req.Queue,
		models.JobStateWaiting,
		payload,
		maxAttempts,
		requestID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict occurred, fetch the job created concurrently
			existing, err := s.getJobByRequestID(ctx, req.RequestID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				log.Debug().
					Str("job_id", existing.ID).
					Str("request_id", req.RequestID).
					Msg("Job created concurrently (race)")
				return existing, nil
			}
			return nil, fmt.Errorf("concurrent insert conflict but job not found")
		}
		return nil, mapPostgresError(err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("request_id", req.RequestID).
		Msg("Enqueued job")
	telemetry.GetMetrics().JobsEnqueuedTotal.Add(ctx, 1)

	return job, nil
}

// Lease claims the oldest eligible job on the queue using SELECT FOR
// UPDATE SKIP LOCKED, so concurrent workers never claim the same job.
// Eligible means waiting, or delayed with the backoff elapsed.
func (s *JobStore) Lease(ctx context.Context, queue, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	if _, ok := s.cfg.Queues.Get(queue); !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidQueue, queue)
	}

	query := `
		WITH claimable AS (
			SELECT job_id
			FROM jobs
			WHERE queue = $1
			  AND (
			      state = 'waiting'
			      OR (state = 'delayed' AND delayed_until <= NOW())
			  )
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET
			state = 'active',
			attempts = attempts + 1,
			leased_by = $2,
			lease_expires_at = NOW() + $3 * INTERVAL '1 second',
			delayed_until = NULL,
			updated_at = NOW()
		FROM claimable
		WHERE jobs.job_id = claimable.job_id
		RETURNING ` + qualifyJobColumns("jobs")

	job, err := scanJob(s.pool.QueryRow(ctx, query, queue, workerID, leaseDuration.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug().Str("queue", queue).Msg("No jobs available to lease")
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("queue", queue).
		Str("worker_id", workerID).
		Int("attempts", job.Attempts).
		Msg("Leased job")

	return job, nil
}

// ExtendLease pushes out the lease expiry for a job the worker holds. The
// guard matches Complete and Fail: only a live lease by this worker counts.
func (s *JobStore) ExtendLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	query := `
		UPDATE jobs
		SET
			lease_expires_at = NOW() + $3 * INTERVAL '1 second',
			updated_at = NOW()
		WHERE job_id = $1
		  AND leased_by = $2
		  AND state = 'active'
		  AND lease_expires_at > NOW()
	`

	result, err := s.pool.Exec(ctx, query, jobID, workerID, leaseDuration.Seconds())
	if err != nil {
		return mapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return s.classifyLeaseFailure(ctx, jobID, workerID)
	}

	log.Debug().
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Dur("lease_duration", leaseDuration).
		Msg("Extended lease")

	return nil
}

// Complete marks the job completed and stores its result document.
func (s *JobStore) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET
			state = 'completed',
			result = $3,
			failed_reason = '',
			leased_by = NULL,
			lease_expires_at = NULL,
			processed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $1
		  AND leased_by = $2
		  AND state = 'active'
		  AND lease_expires_at > NOW()
	`

	execResult, err := s.pool.Exec(ctx, query, jobID, workerID, result)
	if err != nil {
		return mapPostgresError(err)
	}

	if execResult.RowsAffected() == 0 {
		return s.classifyLeaseFailure(ctx, jobID, workerID)
	}

	log.Info().
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Msg("Completed job")

	return nil
}

// Fail records a failure. Retryable failures below the attempt limit move
// the job to delayed with exponential per-queue backoff; anything else is
// a permanent failure.
func (s *JobStore) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error {
	var queue string
	err := s.pool.QueryRow(ctx, `SELECT queue FROM jobs WHERE job_id = $1`, jobID).Scan(&queue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return mapPostgresError(err)
	}

	queueCfg, ok := s.cfg.Queues.Get(queue)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrInvalidQueue, queue)
	}

	// Backoff doubles per attempt: base * 2^(attempts-1).
	query := `
		UPDATE jobs
		SET
			state = CASE WHEN $4 AND attempts < max_attempts THEN 'delayed' ELSE 'failed' END,
			delayed_until = CASE WHEN $4 AND attempts < max_attempts
				THEN NOW() + ($5 * POWER(2, attempts - 1)) * INTERVAL '1 second'
				ELSE NULL END,
			failed_reason = $3,
			leased_by = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE job_id = $1
		  AND leased_by = $2
		  AND state = 'active'
		  AND lease_expires_at > NOW()
		RETURNING state, attempts
	`

	var state models.JobState
	var attempts int
	err = s.pool.QueryRow(ctx, query,
		jobID,
		workerID,
		reason,
		retryable,
		queueCfg.BackoffBase.Seconds(),
	).Scan(&state, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyLeaseFailure(ctx, jobID, workerID)
		}
		return mapPostgresError(err)
	}

	if state == models.JobStateDelayed {
		log.Info().
			Str("job_id", jobID).
			Str("queue", queue).
			Int("attempts", attempts).
			Str("reason", reason).
			Msg("Job failed, retry scheduled")
	} else {
		log.Warn().
			Str("job_id", jobID).
			Str("queue", queue).
			Int("attempts", attempts).
			Str("reason", reason).
			Bool("retryable", retryable).
			Msg("Job failed permanently")
	}

	return nil
}

// classifyLeaseFailure distinguishes a missing job from a lost lease after
// a guarded update matched no rows.
func (s *JobStore) classifyLeaseFailure(ctx context.Context, jobID, workerID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return mapPostgresError(err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s not held by %s", store.ErrLeaseNotHeld, jobID, workerID)
}

// GetJob returns a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return nil, mapPostgresError(err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter criteria, newest first.
func (s *JobStore) ListJobs(ctx context.Context, req store.ListJobsRequest) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`

	var args []any
	argIdx := 1

	if req.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, req.Queue)
		argIdx++
	}

	if req.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, req.State)
		argIdx++
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("queue", req.Queue).
		Str("state", string(req.State)).
		Int("count", len(jobs)).
		Msg("Listed jobs")

	return jobs, nil
}

// RequeueStalled returns active jobs with expired leases to the queue.
// Jobs that already consumed their last attempt fail permanently instead.
func (s *JobStore) RequeueStalled(ctx context.Context) (int, error) {
	failQuery := `
		UPDATE jobs
		SET
			state = 'failed',
			failed_reason = 'job stalled and exhausted attempts',
			leased_by = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE state = 'active'
		  AND lease_expires_at <= NOW()
		  AND attempts >= max_attempts
	`

	failResult, err := s.pool.Exec(ctx, failQuery)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	if failed := failResult.RowsAffected(); failed > 0 {
		log.Warn().Int64("jobs", failed).Msg("Stalled jobs failed permanently")
	}

	// The stalled lease already consumed its attempt; requeue without
	// incrementing.
	requeueQuery := `
		UPDATE jobs
		SET
			state = 'waiting',
			leased_by = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE state = 'active'
		  AND lease_expires_at <= NOW()
	`

	requeueResult, err := s.pool.Exec(ctx, requeueQuery)
	if err != nil {
		return 0, mapPostgresError(err)
	}

	requeued := int(requeueResult.RowsAffected())
	if requeued > 0 {
		telemetry.GetMetrics().JobsStalledTotal.Add(ctx, int64(requeued))
		log.Warn().Int("jobs", requeued).Msg("Stalled jobs returned to queue")
	}
	return requeued, nil
}

// PurgeExpired deletes terminal jobs past their queue's retention window,
// handing them to the archiver first when one is configured.
func (s *JobStore) PurgeExpired(ctx context.Context) (store.PurgeStats, error) {
	var stats store.PurgeStats
	var purged []*models.Job

	query := `
		DELETE FROM jobs
		WHERE queue = $1
		  AND (
		      (state = 'completed' AND COALESCE(processed_at, updated_at) < NOW() - $2 * INTERVAL '1 second')
		      OR (state = 'failed' AND updated_at < NOW() - $3 * INTERVAL '1 second')
		  )
		RETURNING ` + jobColumns

	for _, name := range s.cfg.Queues.Names() {
		queueCfg, _ := s.cfg.Queues.Get(name)

		rows, err := s.pool.Query(ctx, query, name,
			queueCfg.CompletedTTL.Seconds(),
			queueCfg.FailedTTL.Seconds(),
		)
		if err != nil {
			return stats, mapPostgresError(err)
		}

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return stats, mapPostgresError(err)
			}
			purged = append(purged, job)
			if job.State == models.JobStateCompleted {
				stats.Completed++
			} else {
				stats.Failed++
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return stats, mapPostgresError(err)
		}
		rows.Close()
	}

	if len(purged) > 0 && s.cfg.Archiver != nil {
		if err := s.cfg.Archiver.Archive(purged); err != nil {
			log.Warn().Err(err).Int("jobs", len(purged)).Msg("Failed to archive purged jobs")
		} else {
			stats.Archived = len(purged)
		}
	}

	if stats.Completed+stats.Failed > 0 {
		telemetry.GetMetrics().JobsPurgedTotal.Add(ctx, int64(stats.Completed+stats.Failed))
		log.Info().
			Int("completed", stats.Completed).
			Int("failed", stats.Failed).
			Int("archived", stats.Archived).
			Msg("Purged expired jobs")
	}
	return stats, nil
}

// getJobByRequestID retrieves a job by its request id for idempotency
// checks. Returns nil without error when no job matches.
func (s *JobStore) getJobByRequestID(ctx context.Context, requestID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE request_id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, mapPostgresError(err)
	}
	return job, nil
}

// scanJob reads one row in jobColumns order.
func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.State,
		&job.Payload,
		&job.Result,
		&job.Attempts,
		&job.MaxAttempts,
		&job.FailedReason,
		&job.RequestID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessedAt,
		&job.DelayedUntil,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// qualifyJobColumns prefixes jobColumns with a table name for queries that
// join against a CTE.
func qualifyJobColumns(table string) string {
	return fmt.Sprintf(`%s.job_id, %s.queue, %s.state, %s.payload, %s.result, %s.attempts,
		%s.max_attempts, %s.failed_reason, COALESCE(%s.request_id, ''), %s.created_at,
		%s.updated_at, %s.processed_at, %s.delayed_until`,
		table, table, table, table, table, table, table, table, table, table, table, table, table)
}
