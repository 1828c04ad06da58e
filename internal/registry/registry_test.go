package registry_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/registry"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *registry.Registry {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return registry.New(client, "test-queue", ttl)
}

func TestRegistry_BeatAndOnline(t *testing.T) {
	ctx := t.Context()
	r := newTestRegistry(t, time.Minute)

	if err := r.Beat(ctx, registry.Info{WorkerID: "w1", Queue: "test-queue", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("beat: %v", err)
	}

	online, err := r.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(online) != 1 || online[0] != "w1" {
		t.Fatalf("got online=%v, want [w1]", online)
	}

	count, err := r.OnlineCount(ctx)
	if err != nil {
		t.Fatalf("online count: %v", err)
	}
	if count != 1 {
		t.Fatalf("got online count %d, want 1", count)
	}
}

func TestRegistry_Details(t *testing.T) {
	ctx := t.Context()
	r := newTestRegistry(t, time.Minute)

	jobID := "job-123"
	if err := r.Beat(ctx, registry.Info{WorkerID: "w1", Queue: "test-queue", StartedAt: time.Now().UTC(), CurrentJobID: &jobID}); err != nil {
		t.Fatalf("beat: %v", err)
	}

	infos, err := r.Details(ctx, []string{"w1", "missing"})
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1 (the missing worker's info key should be silently skipped)", len(infos))
	}
	if infos[0].WorkerID != "w1" || infos[0].CurrentJobID == nil || *infos[0].CurrentJobID != jobID {
		t.Fatalf("got info %+v, want worker w1 with currentJobId=%s", infos[0], jobID)
	}
}

func TestRegistry_PruneDropsExpiredHeartbeats(t *testing.T) {
	ctx := t.Context()
	r := newTestRegistry(t, time.Millisecond)

	if err := r.Beat(ctx, registry.Info{WorkerID: "stale", Queue: "test-queue", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("beat: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	n, err := r.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("got pruned=%d, want 1", n)
	}

	online, err := r.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("got online=%v after prune, want empty", online)
	}
}
