//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

func setupPostgres(t *testing.T, ctx context.Context, queues models.QueueSet) (*JobStore, *MessageStore, func()) {
	// Start postgres container
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	jobStore, err := NewJobStore(ctx, pool, &JobStoreConfig{
		Queues:        queues,
		AutoMigrate:   true,
		SweepInterval: time.Hour, // tests drive sweeps directly
	})
	require.NoError(t, err)
	require.NoError(t, jobStore.Start())

	msgStore := NewMessageStore(pool)

	cleanup := func() {
		_ = jobStore.Stop()
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return jobStore, msgStore, cleanup
}

func lifecycleQueues(t *testing.T) models.QueueSet {
	qs, err := models.NewQueueSet(
		models.QueueConfig{
			Name:         "interactive",
			Concurrency:  2,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			CompletedTTL: time.Hour,
			FailedTTL:    time.Hour,
		},
		models.QueueConfig{
			Name:         "short-lived",
			Concurrency:  1,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			CompletedTTL: time.Second,
			FailedTTL:    time.Second,
		},
	)
	require.NoError(t, err)
	return qs
}

func TestIntegration_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	jobStore, _, cleanup := setupPostgres(t, ctx, lifecycleQueues(t))
	defer cleanup()

	t.Run("enqueue job", func(t *testing.T) {
		job, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{"conversationId":"conv-1","question":"What is Go?"}`),
			RequestID: "req-enqueue-1",
		})
		require.NoError(t, err)
		require.NotEmpty(t, job.ID)
		require.Equal(t, models.JobStateWaiting, job.State)
		require.Equal(t, 0, job.Attempts)
		require.Equal(t, 3, job.MaxAttempts)

		t.Logf("Enqueued job: %s", job.ID)
	})

	t.Run("enqueue idempotency", func(t *testing.T) {
		first, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-idempotent",
		})
		require.NoError(t, err)

		second, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-idempotent",
		})
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID, "Should return same job ID")
	})

	t.Run("enqueue unknown queue fails", func(t *testing.T) {
		_, err := jobStore.Enqueue(ctx, store.EnqueueRequest{Queue: "no-such-queue"})
		require.ErrorIs(t, err, store.ErrInvalidQueue)
	})

	t.Run("lease and complete job", func(t *testing.T) {
		enqueued, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{"n":1}`),
			RequestID: "req-lease-complete",
		})
		require.NoError(t, err)

		var leased *models.Job
		for {
			leased, err = jobStore.Lease(ctx, "interactive", "worker-1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, leased)
			if leased.ID == enqueued.ID {
				break
			}
			// Drain jobs left over from earlier subtests.
			require.NoError(t, jobStore.Complete(ctx, leased.ID, "worker-1", nil))
		}
		require.Equal(t, models.JobStateActive, leased.State)
		require.Equal(t, 1, leased.Attempts)

		require.NoError(t, jobStore.Complete(ctx, leased.ID, "worker-1", json.RawMessage(`{"messageId":"msg-1"}`)))

		got, err := jobStore.GetJob(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStateCompleted, got.State)
		require.NotNil(t, got.ProcessedAt)
		require.JSONEq(t, `{"messageId":"msg-1"}`, string(got.Result))
	})

	t.Run("lease on empty queue returns nil", func(t *testing.T) {
		leased, err := jobStore.Lease(ctx, "short-lived", "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, leased)
	})

	t.Run("extend lease", func(t *testing.T) {
		_, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-extend",
		})
		require.NoError(t, err)

		leased, err := jobStore.Lease(ctx, "interactive", "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased)

		require.NoError(t, jobStore.ExtendLease(ctx, leased.ID, "worker-1", 2*time.Minute))

		err = jobStore.ExtendLease(ctx, leased.ID, "worker-2", time.Minute)
		require.ErrorIs(t, err, store.ErrLeaseNotHeld)

		require.NoError(t, jobStore.Complete(ctx, leased.ID, "worker-1", nil))
	})

	t.Run("retryable failure backs off then retries", func(t *testing.T) {
		enqueued, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-retry",
		})
		require.NoError(t, err)

		leased, err := jobStore.Lease(ctx, "interactive", "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, enqueued.ID, leased.ID)

		require.NoError(t, jobStore.Fail(ctx, leased.ID, "worker-1", "model timeout", true))

		got, err := jobStore.GetJob(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStateDelayed, got.State)
		require.NotNil(t, got.DelayedUntil)

		// Backoff for the first attempt is the 1s base.
		again, err := jobStore.Lease(ctx, "interactive", "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, again)

		time.Sleep(1500 * time.Millisecond)

		retried, err := jobStore.Lease(ctx, "interactive", "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, retried)
		require.Equal(t, enqueued.ID, retried.ID)
		require.Equal(t, 2, retried.Attempts)

		require.NoError(t, jobStore.Complete(ctx, retried.ID, "worker-1", nil))
	})

	t.Run("stalled lease is recovered", func(t *testing.T) {
		enqueued, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "interactive",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-stall",
		})
		require.NoError(t, err)

		leased, err := jobStore.Lease(ctx, "interactive", "worker-1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, enqueued.ID, leased.ID)

		time.Sleep(1500 * time.Millisecond)

		// The expired lease no longer permits completion.
		err = jobStore.Complete(ctx, leased.ID, "worker-1", nil)
		require.ErrorIs(t, err, store.ErrLeaseNotHeld)

		requeued, err := jobStore.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, requeued)

		got, err := jobStore.GetJob(ctx, enqueued.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStateWaiting, got.State)
		// The stalled lease already consumed its attempt.
		require.Equal(t, 1, got.Attempts)

		retried, err := jobStore.Lease(ctx, "interactive", "worker-2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, retried)
		require.Equal(t, enqueued.ID, retried.ID)
		require.Equal(t, 2, retried.Attempts)

		require.NoError(t, jobStore.Complete(ctx, retried.ID, "worker-2", nil))
	})

	t.Run("purge expired jobs", func(t *testing.T) {
		enqueued, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:     "short-lived",
			Payload:   json.RawMessage(`{}`),
			RequestID: "req-purge",
		})
		require.NoError(t, err)

		leased, err := jobStore.Lease(ctx, "short-lived", "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.NoError(t, jobStore.Complete(ctx, leased.ID, "worker-1", nil))

		time.Sleep(1500 * time.Millisecond)

		stats, err := jobStore.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Completed)

		_, err = jobStore.GetJob(ctx, enqueued.ID)
		require.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("list jobs", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
				Queue:   "interactive",
				Payload: json.RawMessage(`{}`),
			})
			require.NoError(t, err)
			time.Sleep(10 * time.Millisecond) // Ensure different timestamps
		}

		jobs, err := jobStore.ListJobs(ctx, store.ListJobsRequest{Queue: "interactive", Limit: 10})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(jobs), 3)

		waiting, err := jobStore.ListJobs(ctx, store.ListJobsRequest{Queue: "interactive", State: models.JobStateWaiting})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(waiting), 3)
	})
}

func TestIntegration_ConcurrentLease(t *testing.T) {
	ctx := context.Background()
	jobStore, _, cleanup := setupPostgres(t, ctx, lifecycleQueues(t))
	defer cleanup()

	// Enqueue 5 jobs
	for i := 0; i < 5; i++ {
		_, err := jobStore.Enqueue(ctx, store.EnqueueRequest{
			Queue:   "interactive",
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	// Lease concurrently with 3 workers, two claims each
	type leaseResult struct {
		workerID string
		jobIDs   []string
		err      error
	}

	results := make(chan leaseResult, 3)
	for w := 0; w < 3; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		go func() {
			var jobIDs []string
			for i := 0; i < 2; i++ {
				job, err := jobStore.Lease(ctx, "interactive", workerID, time.Minute)
				if err != nil {
					results <- leaseResult{workerID: workerID, err: err}
					return
				}
				if job != nil {
					jobIDs = append(jobIDs, job.ID)
				}
			}
			results <- leaseResult{workerID: workerID, jobIDs: jobIDs}
		}()
	}

	claimed := make(map[string]bool)
	for i := 0; i < 3; i++ {
		result := <-results
		require.NoError(t, result.err)
		t.Logf("%s leased %d jobs: %v", result.workerID, len(result.jobIDs), result.jobIDs)

		for _, jobID := range result.jobIDs {
			require.False(t, claimed[jobID], "Job %s leased by multiple workers!", jobID)
			claimed[jobID] = true
		}
	}

	require.Equal(t, 5, len(claimed), "All jobs should be leased exactly once")
}

func TestIntegration_Messages(t *testing.T) {
	ctx := context.Background()
	_, msgStore, cleanup := setupPostgres(t, ctx, lifecycleQueues(t))
	defer cleanup()

	t.Run("user message dedupe", func(t *testing.T) {
		first, err := msgStore.EnsureUserMessage(ctx, "conv-1", "What is Go?")
		require.NoError(t, err)
		require.Equal(t, models.RoleUser, first.Role)

		second, err := msgStore.EnsureUserMessage(ctx, "conv-1", "  What is Go?\n")
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		msgs, err := msgStore.ListMessages(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("assistant message upserts by job id", func(t *testing.T) {
		jobID := "0191e2a6-0000-7000-8000-000000000001"

		first, err := msgStore.SaveAssistantMessage(ctx, &models.Message{
			ConversationID: "conv-1",
			JobID:          jobID,
			Question:       "What is Go?",
			Content:        "Go is",
		})
		require.NoError(t, err)

		second, err := msgStore.SaveAssistantMessage(ctx, &models.Message{
			ConversationID: "conv-1",
			JobID:          jobID,
			Question:       "What is Go?",
			Content:        "Go is a programming language.",
		})
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, "Go is a programming language.", second.Content)

		byJob, err := msgStore.GetMessageByJobID(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, first.ID, byJob.ID)

		msgs, err := msgStore.ListMessages(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, models.RoleUser, msgs[0].Role)
		require.Equal(t, models.RoleAssistant, msgs[1].Role)
	})

	t.Run("conversation state upsert", func(t *testing.T) {
		_, err := msgStore.GetConversation(ctx, "conv-state")
		require.ErrorIs(t, err, store.ErrConversationNotFound)

		conv, err := msgStore.SetConversationState(ctx, "conv-state", "user-1", models.ConversationReplying)
		require.NoError(t, err)
		require.Equal(t, models.ConversationReplying, conv.State)
		require.Equal(t, "user-1", conv.UserID)

		conv, err = msgStore.SetConversationState(ctx, "conv-state", "", models.ConversationIdle)
		require.NoError(t, err)
		require.Equal(t, models.ConversationIdle, conv.State)
		require.Equal(t, "user-1", conv.UserID, "empty userID keeps the recorded owner")
	})

	t.Run("message not found", func(t *testing.T) {
		_, err := msgStore.GetMessage(ctx, "0191e2a6-0000-7000-8000-00000000ffff")
		require.ErrorIs(t, err, store.ErrMessageNotFound)

		_, err = msgStore.GetMessageByJobID(ctx, "0191e2a6-0000-7000-8000-00000000fffe")
		require.ErrorIs(t, err, store.ErrMessageNotFound)
	})
}
