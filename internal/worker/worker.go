// Package worker leases jobs from the store and runs registered
// handlers, one lease-loop per unit of queue concurrency. Handlers must
// be idempotent: a stalled attempt can be re-run by another loop.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
)

// ProgressFunc publishes a progress signal naming the entity the
// handler is currently writing, so subscribers can fetch partials.
type ProgressFunc func(ctx context.Context, entityID string)

// Result is what a handler produces on success.
type Result struct {
	// Data is stored as the job's result document.
	Data json.RawMessage

	// MessageID names the message the completion event points at, when
	// the handler produced one.
	MessageID string
}

// Handler executes one job attempt.
type Handler interface {
	Execute(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error) {
	return f(ctx, job, progress)
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// Queues is the queue registry; each registered queue runs its
	// configured number of lease-loops.
	Queues models.QueueSet

	// LeaseDuration is how long each claim is held. Heartbeats extend
	// the lease at a third of this interval. Defaults to 5 minutes.
	LeaseDuration time.Duration

	// PollInterval is the idle poll floor; loops back off exponentially
	// from here when the queue is empty. Defaults to 250ms.
	PollInterval time.Duration

	// MaxPollInterval caps the idle backoff. Defaults to 5s.
	MaxPollInterval time.Duration

	// WorkerID prefixes the per-loop worker identities. Generated when
	// empty.
	WorkerID string
}

// ApplyDefaults applies default values to unset configuration fields.
func (cfg *PoolConfig) ApplyDefaults() {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 5 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = newWorkerID()
	}
}

// Pool leases jobs and dispatches them to handlers registered per
// queue.
type Pool struct {
	cfg       PoolConfig
	store     store.JobStore
	publisher notify.Publisher
	handlers  map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the given store and publisher.
func NewPool(jobStore store.JobStore, publisher notify.Publisher, cfg PoolConfig) (*Pool, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	cfg.ApplyDefaults()

	return &Pool{
		cfg:       cfg,
		store:     jobStore,
		publisher: publisher,
		handlers:  make(map[string]Handler),
	}, nil
}

// Register attaches a handler to a configured queue. Must be called
// before Start.
func (p *Pool) Register(queue string, handler Handler) error {
	if _, ok := p.cfg.Queues.Get(queue); !ok {
		return fmt.Errorf("%w: %s", store.ErrInvalidQueue, queue)
	}
	if _, exists := p.handlers[queue]; exists {
		return fmt.Errorf("handler already registered for queue %s", queue)
	}

	p.handlers[queue] = handler

	return nil
}

// Start launches the lease-loops. Queues without a registered handler
// are skipped with a warning.
func (p *Pool) Start(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for _, queue := range p.cfg.Queues.Names() {
		queueCfg, _ := p.cfg.Queues.Get(queue)

		if _, ok := p.handlers[queue]; !ok {
			log.Warn().Str("queue", queue).Msg("No handler registered for queue, skipping")
			continue
		}

		for i := 0; i < queueCfg.Concurrency; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", p.cfg.WorkerID, queue, i)
			p.wg.Add(1)
			go p.leaseLoop(ctx, queue, workerID)
		}

		log.Info().
			Str("queue", queue).
			Int("concurrency", queueCfg.Concurrency).
			Dur("lease_duration", p.cfg.LeaseDuration).
			Msg("Queue workers started")
	}

	return nil
}

// Stop halts leasing and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// leaseLoop polls for work until the pool stops. Idle polls back off
// exponentially and reset as soon as a job arrives.
func (p *Pool) leaseLoop(ctx context.Context, queue string, workerID string) {
	defer p.wg.Done()

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.cfg.PollInterval
	idle.MaxInterval = p.cfg.MaxPollInterval

	log.Debug().Str("queue", queue).Str("worker_id", workerID).Msg("Lease loop started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.Lease(ctx, queue, workerID, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", queue).Str("worker_id", workerID).Msg("Lease failed")
		} else if job != nil {
			telemetry.GetMetrics().JobsLeasedTotal.Add(ctx, 1)
			p.runJob(ctx, workerID, job)
			idle.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle.NextBackOff()):
		}
	}
}

// runJob executes one leased job. The handler runs on a context that
// survives pool shutdown so in-flight work drains instead of stalling.
func (p *Pool) runJob(ctx context.Context, workerID string, job *models.Job) {
	jobCtx := context.WithoutCancel(ctx)

	logger := log.With().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("worker_id", workerID).
		Int("attempts", job.Attempts).
		Logger()
	logger.Info().Msg("Job leased")

	conversationID := conversationIDFromPayload(job.Payload)

	p.publishEvent(jobCtx, notify.Event{
		Type:           notify.EventJobStarted,
		ConversationID: conversationID,
		JobID:          job.ID,
		Timestamp:      time.Now().UTC(),
	})

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(heartbeatCtx, job.ID, workerID)
	}()

	progress := func(ctx context.Context, entityID string) {
		p.publishEvent(ctx, notify.Event{
			Type:           notify.EventJobProgress,
			ConversationID: conversationID,
			JobID:          job.ID,
			MessageID:      entityID,
			Timestamp:      time.Now().UTC(),
		})
	}

	result, err := p.handlers[job.Queue].Execute(jobCtx, job, progress)

	stopHeartbeat()
	<-heartbeatDone

	if err != nil {
		p.failJob(jobCtx, workerID, job, conversationID, err)
		return
	}

	p.completeJob(jobCtx, workerID, job, conversationID, result)
}

// heartbeat extends the lease at a third of its duration until the job
// finishes. A failed extension means the lease is lost; the handler's
// final Complete/Fail will be rejected and another attempt takes over.
func (p *Pool) heartbeat(ctx context.Context, jobID string, workerID string) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, jobID, workerID, p.cfg.LeaseDuration); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Str("worker_id", workerID).Msg("Failed to extend lease")
				return
			}
		}
	}
}

func (p *Pool) completeJob(ctx context.Context, workerID string, job *models.Job, conversationID string, result *Result) {
	var data json.RawMessage
	var messageID string
	if result != nil {
		data = result.Data
		messageID = result.MessageID
	}

	if err := p.store.Complete(ctx, job.ID, workerID, data); err != nil {
		// Lease lost mid-run: another attempt owns the job now.
		log.Error().Err(err).Str("job_id", job.ID).Str("worker_id", workerID).Msg("Failed to record job completion")
		return
	}

	log.Info().Str("job_id", job.ID).Str("queue", job.Queue).Msg("Job completed")
	telemetry.GetMetrics().JobsCompletedTotal.Add(ctx, 1)

	p.publishEvent(ctx, notify.Event{
		Type:           notify.EventJobCompleted,
		ConversationID: conversationID,
		JobID:          job.ID,
		MessageID:      messageID,
		Timestamp:      time.Now().UTC(),
	})
}

func (p *Pool) failJob(ctx context.Context, workerID string, job *models.Job, conversationID string, execErr error) {
	retryable := !IsPermanent(execErr)

	if err := p.store.Fail(ctx, job.ID, workerID, execErr.Error(), retryable); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("worker_id", workerID).Msg("Failed to record job failure")
		return
	}

	// Retries pending stay invisible to the user; only the final
	// failure is surfaced.
	if retryable && job.Attempts < job.MaxAttempts {
		telemetry.GetMetrics().JobsRetriedTotal.Add(ctx, 1)
		return
	}

	telemetry.GetMetrics().JobsFailedTotal.Add(ctx, 1)

	p.publishEvent(ctx, notify.Event{
		Type:           notify.EventJobFailed,
		ConversationID: conversationID,
		JobID:          job.ID,
		Reason:         execErr.Error(),
		Timestamp:      time.Now().UTC(),
	})
}

// publishEvent logs publish failures instead of retrying them: clients
// recover missed signals through the polling feed.
func (p *Pool) publishEvent(ctx context.Context, event notify.Event) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event_type", event.Type).
			Str("job_id", event.JobID).
			Msg("Failed to publish event")
	}
}

// payloadMeta is the envelope every conversation job payload carries.
type payloadMeta struct {
	ConversationID string `json:"conversationId"`
}

func conversationIDFromPayload(payload json.RawMessage) string {
	var meta payloadMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ""
	}
	return meta.ConversationID
}

func newWorkerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return "worker-" + base58.Encode(buf)
}
