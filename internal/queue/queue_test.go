package queue_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return queue.NewManager(client).Queue("test-queue")
}

func TestQueue_EnqueueReserveAck(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	j, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Fatalf("got status %s, want QUEUED", j.Status)
	}

	reserved, err := q.Reserve(ctx, "worker-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved == nil {
		t.Fatal("reserve: got nil job, want one")
	}
	if reserved.Status != job.StatusActive {
		t.Fatalf("got status %s, want ACTIVE", reserved.Status)
	}
	if reserved.LockedBy == nil || *reserved.LockedBy != "worker-1" {
		t.Fatalf("got lockedBy %v, want worker-1", reserved.LockedBy)
	}

	if again, err := q.Reserve(ctx, "worker-2"); err != nil {
		t.Fatalf("second reserve: %v", err)
	} else if again != nil {
		t.Fatal("second reserve: expected nil, queue had one job already claimed")
	}

	if err := q.Ack(ctx, j.ID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("got status %s, want COMPLETED", got.Status)
	}
}

func TestQueue_FailRetriableGoesToDelayedUntilBackoffElapses(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	j, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	terminal, err := q.Fail(ctx, j.ID, job.ErrTimeout, "timed out")
	if err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if terminal {
		t.Fatal("first failure should not be terminal (attempts remain)")
	}

	got, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusDelayed {
		t.Fatalf("got status %s, want DELAYED after retriable failure", got.Status)
	}
	if got.AttemptsMade != 1 {
		t.Fatalf("got attemptsMade=%d, want 1", got.AttemptsMade)
	}

	// Reserve before the backoff window elapses: nothing should be
	// promoted out of the delayed set yet.
	if again, err := q.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve before backoff elapses: %v", err)
	} else if again != nil {
		t.Fatal("reserve should return nil before the retry becomes visible")
	}
}

func TestQueue_FailExhaustsAttempts(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	j, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	terminal, err := q.Fail(ctx, j.ID, job.ErrTimeout, "timed out")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !terminal {
		t.Fatal("failure should be terminal once attempts are exhausted")
	}

	got, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("got status %s, want FAILED", got.Status)
	}
}

func TestQueue_RetryJob(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	j, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := q.Fail(ctx, j.ID, job.ErrUnknown, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("got status %s, want FAILED", got.Status)
	}

	if err := q.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("retry job: %v", err)
	}

	got, err = q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job after retry: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("got status %s, want QUEUED after retry", got.Status)
	}
	if got.ErrorCode != nil {
		t.Fatalf("expected errorCode cleared, got %v", got.ErrorCode)
	}
}

func TestQueue_RetryJob_NotFailed(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	j, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.RetryJob(ctx, j.ID); !errors.Is(err, job.ErrNotReservable) {
		t.Fatalf("got err %v, want job.ErrNotReservable", err)
	}
}

func TestQueue_RetryJob_Missing(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	if err := q.RetryJob(ctx, "does-not-exist"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("got err %v, want job.ErrNotFound", err)
	}
}

func TestQueue_PauseBlocksReserve(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	j, err := q.Reserve(ctx, "worker-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if j != nil {
		t.Fatal("reserve should return nil while paused")
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	j, err = q.Reserve(ctx, "worker-1")
	if err != nil {
		t.Fatalf("reserve after resume: %v", err)
	}
	if j == nil {
		t.Fatal("reserve should succeed after resume")
	}
}

func TestQueue_DrainCancelsWaitingAndDelayed(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue waiting: %v", err)
	}
	if _, err := q.Enqueue(ctx, job.TypeCreatePost, json.RawMessage(`{}`), queue.EnqueueOptions{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	n, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("got drained=%d, want 2", n)
	}

	counts, err := q.GetCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("got counts %+v, want waiting=0 delayed=0", counts)
	}
}

func TestQueue_EnsureRepeatable_SingleLiveInstance(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	first, err := q.EnsureRepeatable(ctx, "fixed-id", job.TypeSnapshotCollector, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	second, err := q.EnsureRepeatable(ctx, "fixed-id", job.TypeSnapshotCollector, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("got a new job id %s while the first (%s) is still non-terminal", second.ID, first.ID)
	}

	if _, err := q.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := q.Ack(ctx, first.ID, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}

	third, err := q.EnsureRepeatable(ctx, "fixed-id", job.TypeSnapshotCollector, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("third ensure: %v", err)
	}
	if third.Status != job.StatusQueued {
		t.Fatalf("got status %s, expected a fresh QUEUED occurrence once the previous one went terminal", third.Status)
	}
}
