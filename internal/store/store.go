package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrInvalidQueue         = errors.New("invalid queue")
	ErrJobNotFound          = errors.New("job not found")
	ErrLeaseNotHeld         = errors.New("lease not held")
	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// EnqueueRequest describes a job to add to a queue.
type EnqueueRequest struct {
	// Queue must name one of the configured queues.
	Queue string

	// Payload is the opaque task document handed to the handler.
	Payload json.RawMessage

	// RequestID is an optional idempotency key. Enqueueing the same
	// RequestID twice returns the original job.
	RequestID string

	// MaxAttempts overrides the queue's default when > 0.
	MaxAttempts int
}

// ListJobsRequest filters a job listing.
type ListJobsRequest struct {
	Queue string
	State models.JobState
	Limit int
}

// PurgeStats reports what a retention sweep removed.
type PurgeStats struct {
	Completed int
	Failed    int
	Archived  int
}

// JobStore defines the durable queue operations. Implementations guarantee
// that a job is in exactly one state, that attempts never exceeds
// maxAttempts, and that at most one non-expired lease exists per job.
type JobStore interface {
	// Enqueue validates the queue name and appends a waiting job.
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error)

	// Lease atomically claims the oldest eligible waiting (or due delayed)
	// job for the worker, increments attempts, and records the lease.
	// Returns nil with no error when nothing is eligible; callers poll.
	Lease(ctx context.Context, queue, workerID string, leaseDuration time.Duration) (*models.Job, error)

	// ExtendLease pushes out the lease expiry. Fails with ErrLeaseNotHeld
	// if the worker no longer holds a live lease on the job.
	ExtendLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// Complete marks the job completed and stores its result document.
	// Lease-guarded: a stale worker cannot complete a job it lost.
	Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error

	// Fail records a failure. Retryable failures below the attempt limit
	// move the job to delayed with exponential per-queue backoff; anything
	// else is a permanent failure.
	Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error

	// GetJob returns a job by ID.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, req ListJobsRequest) ([]*models.Job, error)

	// RequeueStalled returns active jobs with expired leases to waiting
	// (or fails them once attempts are exhausted) and reports how many
	// jobs it touched. Runs on a timer via Start; exported for tests and
	// manual sweeps.
	RequeueStalled(ctx context.Context) (int, error)

	// PurgeExpired deletes terminal jobs past their queue's retention TTL,
	// archiving them first when an archiver is configured.
	PurgeExpired(ctx context.Context) (PurgeStats, error)

	// Lifecycle. Start launches the stall and retention sweep loops.
	Start() error
	Stop() error
}

// MessageStore persists the conversation and message records the workers
// write and the read API serves.
type MessageStore interface {
	// EnsureUserMessage inserts a user entry unless one with the same
	// trimmed content already exists in the conversation, and returns the
	// stored row either way.
	EnsureUserMessage(ctx context.Context, conversationID, content string) (*models.Message, error)

	// GetMessageByJobID returns the assistant message a job produced, or
	// ErrMessageNotFound. This is the handler's "already answered" check.
	GetMessageByJobID(ctx context.Context, jobID string) (*models.Message, error)

	// SaveAssistantMessage inserts the assistant message, or updates the
	// existing row carrying the same JobID (streaming progress rewrites).
	SaveAssistantMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// ListMessages returns a conversation's messages ordered by creation.
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)

	// GetConversation returns the conversation state record.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// SetConversationState upserts the conversation record with the given
	// state, creating it on first touch.
	SetConversationState(ctx context.Context, id, userID, state string) (*models.Conversation, error)
}

// JobArchiver receives terminal jobs removed by the retention sweep before
// they are forgotten. Implemented by archive.Writer.
type JobArchiver interface {
	Archive(jobs []*models.Job) error
}
