package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/store/memory"
)

func testQueues(t *testing.T, cfgs ...models.QueueConfig) models.QueueSet {
	t.Helper()

	if len(cfgs) == 0 {
		cfgs = []models.QueueConfig{{
			Name:        models.QueueInteractive,
			Concurrency: 1,
			MaxAttempts: 3,
			BackoffBase: 10 * time.Millisecond,
		}}
	}

	queues, err := models.NewQueueSet(cfgs...)
	require.NoError(t, err)
	return queues
}

func newTestStore(t *testing.T, queues models.QueueSet) (*memory.JobStore, *notify.MemoryBroker) {
	t.Helper()

	st := memory.NewJobStore(&memory.JobStoreConfig{
		Queues:        queues,
		SweepInterval: time.Hour, // no background sweeps during tests
	})
	require.NoError(t, st.Start())
	t.Cleanup(func() { _ = st.Stop() })

	broker := notify.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	return st, broker
}

func newTestPool(t *testing.T, st *memory.JobStore, broker *notify.MemoryBroker, queues models.QueueSet, leaseDuration time.Duration) *Pool {
	t.Helper()

	pool, err := NewPool(st, broker, PoolConfig{
		Queues:          queues,
		LeaseDuration:   leaseDuration,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		WorkerID:        "test-worker",
	})
	require.NoError(t, err)
	return pool
}

// awaitEvent consumes the subscription until an event of the wanted
// type arrives.
func awaitEvent(t *testing.T, sub notify.Subscription, eventType string) notify.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			require.True(t, ok, "subscription closed while waiting for %s", eventType)
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

// assertNoEvent fails if an event of the given type arrives within the
// wait window.
func assertNoEvent(t *testing.T, sub notify.Subscription, eventType string, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			require.NotEqual(t, eventType, event.Type)
		case <-deadline:
			return
		}
	}
}

func TestPoolProcessesJob(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	var handled atomic.Int64
	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		handled.Add(1)
		return &Result{Data: json.RawMessage(`{"answer":"hello"}`), MessageID: "msg-1"}, nil
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	started := awaitEvent(t, sub, notify.EventJobStarted)
	require.Equal(t, job.ID, started.JobID)
	require.Equal(t, "conv-1", started.ConversationID)

	completed := awaitEvent(t, sub, notify.EventJobCompleted)
	require.Equal(t, job.ID, completed.JobID)
	require.Equal(t, "msg-1", completed.MessageID)
	require.Equal(t, "conv-1", completed.ConversationID)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, stored.State)
	require.JSONEq(t, `{"answer":"hello"}`, string(stored.Result))
	require.Equal(t, 1, stored.Attempts)
	require.EqualValues(t, 1, handled.Load())
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	var calls atomic.Int64
	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient db error")
		}
		return &Result{Data: json.RawMessage(`{"ok":true}`)}, nil
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	completed := awaitEvent(t, sub, notify.EventJobCompleted)
	require.Equal(t, job.ID, completed.JobID)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, stored.State)
	require.Equal(t, 2, stored.Attempts)
	require.EqualValues(t, 2, calls.Load())

	// A retry pending is invisible to the user.
	assertNoEvent(t, sub, notify.EventJobFailed, 50*time.Millisecond)
}

func TestPoolPermanentFailure(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		return nil, Permanent(errors.New("malformed payload"))
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	failed := awaitEvent(t, sub, notify.EventJobFailed)
	require.Equal(t, job.ID, failed.JobID)
	require.Equal(t, "malformed payload", failed.Reason)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, stored.State)
	require.Equal(t, 1, stored.Attempts)
	require.Equal(t, "malformed payload", stored.FailedReason)
}

func TestPoolRetryExhaustion(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t, models.QueueConfig{
		Name:        models.QueueInteractive,
		Concurrency: 1,
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
	})
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		return nil, fmt.Errorf("still broken")
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	// Only the final attempt surfaces a failure event.
	failed := awaitEvent(t, sub, notify.EventJobFailed)
	require.Equal(t, job.ID, failed.JobID)
	require.Equal(t, "still broken", failed.Reason)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, stored.State)
	require.Equal(t, 2, stored.Attempts)

	assertNoEvent(t, sub, notify.EventJobCompleted, 50*time.Millisecond)
}

func TestPoolHeartbeatKeepsLease(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)

	// Lease far shorter than the handler runtime; only heartbeats keep
	// the claim alive.
	pool := newTestPool(t, st, broker, queues, 90*time.Millisecond)

	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		time.Sleep(250 * time.Millisecond)
		return &Result{}, nil
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	completed := awaitEvent(t, sub, notify.EventJobCompleted)
	require.Equal(t, job.ID, completed.JobID)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, stored.State)
	require.Equal(t, 1, stored.Attempts)
}

func TestPoolProgressEvents(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	err := pool.Register(models.QueueInteractive, HandlerFunc(func(ctx context.Context, _ *models.Job, progress ProgressFunc) (*Result, error) {
		progress(ctx, "partial-msg")
		return &Result{MessageID: "partial-msg"}, nil
	}))
	require.NoError(t, err)

	sub, err := broker.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	progress := awaitEvent(t, sub, notify.EventJobProgress)
	require.Equal(t, job.ID, progress.JobID)
	require.Equal(t, "partial-msg", progress.MessageID)

	awaitEvent(t, sub, notify.EventJobCompleted)
}

func TestPoolGracefulStop(t *testing.T) {
	ctx := context.Background()

	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	running := make(chan struct{}, 1)
	err := pool.Register(models.QueueInteractive, HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		running <- struct{}{}
		time.Sleep(150 * time.Millisecond)
		return &Result{}, nil
	}))
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, store.EnqueueRequest{
		Queue:   models.QueueInteractive,
		Payload: json.RawMessage(`{"conversationId":"conv-1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	select {
	case <-running:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	// Stop drains the in-flight job instead of abandoning the lease.
	pool.Stop()

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, stored.State)
}

func TestPoolRegister(t *testing.T) {
	queues := testQueues(t)
	st, broker := newTestStore(t, queues)
	pool := newTestPool(t, st, broker, queues, time.Minute)

	noop := HandlerFunc(func(_ context.Context, _ *models.Job, _ ProgressFunc) (*Result, error) {
		return &Result{}, nil
	})

	t.Run("unknown queue", func(t *testing.T) {
		err := pool.Register("no-such-queue", noop)
		require.ErrorIs(t, err, store.ErrInvalidQueue)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		require.NoError(t, pool.Register(models.QueueInteractive, noop))
		err := pool.Register(models.QueueInteractive, noop)
		require.Error(t, err)
	})

	t.Run("start without handlers", func(t *testing.T) {
		empty := newTestPool(t, st, broker, queues, time.Minute)
		err := empty.Start(context.Background())
		require.Error(t, err)
	})
}

func TestPermanentError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		require.NoError(t, Permanent(nil))
	})

	t.Run("plain errors are retryable", func(t *testing.T) {
		require.False(t, IsPermanent(errors.New("boom")))
	})

	t.Run("marked errors are permanent", func(t *testing.T) {
		err := Permanent(errors.New("boom"))
		require.True(t, IsPermanent(err))
		require.Equal(t, "boom", err.Error())
	})

	t.Run("survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", Permanent(errors.New("boom")))
		require.True(t, IsPermanent(err))
	})

	t.Run("unwraps to the cause", func(t *testing.T) {
		cause := errors.New("boom")
		require.ErrorIs(t, Permanent(cause), cause)
	})
}

func TestConversationIDFromPayload(t *testing.T) {
	require.Equal(t, "conv-1", conversationIDFromPayload(json.RawMessage(`{"conversationId":"conv-1","question":"hi"}`)))
	require.Empty(t, conversationIDFromPayload(json.RawMessage(`{"question":"hi"}`)))
	require.Empty(t, conversationIDFromPayload(json.RawMessage(`not json`)))
	require.Empty(t, conversationIDFromPayload(nil))
}
