package collector_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/collector"
	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/domain/snapshot"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/registry"
)

type fakeSnapshotsStore struct {
	inserted        []snapshot.QueueStatsSnapshot
	latestFn        func(ctx context.Context, queueName string) (snapshot.QueueStatsSnapshot, bool, error)
	deletedCutoffs  []time.Time
}

func (f *fakeSnapshotsStore) Insert(ctx context.Context, s snapshot.QueueStatsSnapshot) error {
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeSnapshotsStore) Latest(ctx context.Context, queueName string) (snapshot.QueueStatsSnapshot, bool, error) {
	if f.latestFn != nil {
		return f.latestFn(ctx, queueName)
	}
	return snapshot.QueueStatsSnapshot{}, false, nil
}

func (f *fakeSnapshotsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.deletedCutoffs = append(f.deletedCutoffs, cutoff)
	return 0, nil
}

func newTestQueueManager(t *testing.T) (*queue.Manager, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := queue.NewManager(client)
	reg := registry.New(client, queue.DefaultQueueName, time.Minute)
	return manager, reg
}

func TestCollector_Handler_InsertsOneSnapshotPerQueue(t *testing.T) {
	manager, reg := newTestQueueManager(t)
	q := manager.Queue(queue.DefaultQueueName)

	if _, err := q.Enqueue(t.Context(), job.TypeCreatePost, nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.Beat(t.Context(), registry.Info{WorkerID: "w1", Queue: queue.DefaultQueueName, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("beat: %v", err)
	}

	store := &fakeSnapshotsStore{}
	c := collector.New(manager, queue.DefaultQueueName, reg, store)

	if _, err := c.Handler(t.Context(), &job.Job{ID: "snap-1", Type: job.TypeSnapshotCollector}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("got %d snapshots inserted, want 1", len(store.inserted))
	}
	s := store.inserted[0]
	if s.QueueName != queue.DefaultQueueName {
		t.Fatalf("got queue %s, want %s", s.QueueName, queue.DefaultQueueName)
	}
	if s.Waiting != 1 {
		t.Fatalf("got waiting=%d, want 1", s.Waiting)
	}
	if s.OnlineWorkers != 1 {
		t.Fatalf("got onlineWorkers=%d, want 1", s.OnlineWorkers)
	}
	if s.JobsPerMin != nil {
		t.Fatalf("got jobsPerMin=%v, want nil (no prior snapshot to diff against)", s.JobsPerMin)
	}
}

func TestCollector_Handler_ClampsNegativeJobsPerMin(t *testing.T) {
	manager, reg := newTestQueueManager(t)

	store := &fakeSnapshotsStore{
		latestFn: func(ctx context.Context, queueName string) (snapshot.QueueStatsSnapshot, bool, error) {
			return snapshot.QueueStatsSnapshot{Completed: 50}, true, nil
		},
	}
	c := collector.New(manager, queue.DefaultQueueName, reg, store)

	if _, err := c.Handler(t.Context(), &job.Job{ID: "snap-1", Type: job.TypeSnapshotCollector}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(store.inserted))
	}
	s := store.inserted[0]
	if !s.Clamped {
		t.Fatal("a completed-count drop vs. the prior snapshot should clamp jobsPerMin to 0, not go negative")
	}
	if s.JobsPerMin == nil || *s.JobsPerMin != 0 {
		t.Fatalf("got jobsPerMin=%v, want 0", s.JobsPerMin)
	}
}

func TestCollector_Handler_NeverReturnsAnError(t *testing.T) {
	manager, reg := newTestQueueManager(t)
	store := &fakeSnapshotsStore{}
	c := collector.New(manager, queue.DefaultQueueName, reg, store)

	if _, err := c.Handler(t.Context(), &job.Job{ID: "snap-1", Type: job.TypeSnapshotCollector}); err != nil {
		t.Fatalf("a sub-step failure must be logged, not returned: %v", err)
	}
}
