package models

import (
	"encoding/json"
	"time"
)

// JobState tracks where a job sits in its lifecycle. A job is in exactly
// one state at a time.
type JobState string

const (
	// JobStateWaiting means the job is queued and eligible for leasing.
	JobStateWaiting JobState = "waiting"
	// JobStateActive means a worker holds a lease and is processing the job.
	JobStateActive JobState = "active"
	// JobStateCompleted is terminal: the job finished successfully.
	JobStateCompleted JobState = "completed"
	// JobStateFailed is terminal: the job exhausted its attempts or hit a
	// permanent error.
	JobStateFailed JobState = "failed"
	// JobStateDelayed means the job failed with a retryable error and is
	// waiting out its backoff before returning to the queue.
	JobStateDelayed JobState = "delayed"
)

// Valid reports whether s is one of the known job states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed, JobStateDelayed:
		return true
	}
	return false
}

// Terminal reports whether the state permits no further transitions.
// Terminal jobs are immutable except for retention-driven deletion.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is a unit of background work on a named queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        JobState        `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	DelayedUntil *time.Time      `json:"delayedUntil,omitempty"`
}

// Lease is a time-bounded exclusive claim on a job. At most one active,
// non-expired lease exists per job; expiry without a complete/fail call
// marks the job as stalled.
type Lease struct {
	JobID     string
	WorkerID  string
	ExpiresAt time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
