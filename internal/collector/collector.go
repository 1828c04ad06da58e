// Package collector implements the Snapshot Collector (C6): a
// repeatable system job, fixed id `stats-snapshot-collector`, that
// ticks every 60s to capture one QueueStatsSnapshot per queue, per
// spec.md §4.6. It is registered on the Worker Pool's handler
// registry like any other job type (`job.TypeSnapshotCollector`) and
// re-seeds itself via Queue.EnsureRepeatable so only one instance is
// ever live at a time.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/domain/snapshot"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/registry"
)

const retention = 24 * time.Hour

type SnapshotsStore interface {
	Insert(ctx context.Context, s snapshot.QueueStatsSnapshot) error
	Latest(ctx context.Context, queueName string) (snapshot.QueueStatsSnapshot, bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Collector runs the tick for one named queue (the core dispatches
// exactly one job queue, CREATE_POST, so one Collector suffices, but
// the type takes a Manager so a second system queue could be added
// without a rewrite).
type Collector struct {
	manager    *queue.Manager
	systemName string
	reg        *registry.Registry
	store      SnapshotsStore
}

// New builds a Collector. systemQueueName is the queue the collector
// re-seeds its own repeatable job onto; it is the same queue the
// Worker Pool polling this collector's job type is bound to. New
// registers it with the Manager so every tick snapshots it.
func New(manager *queue.Manager, systemQueueName string, reg *registry.Registry, store SnapshotsStore) *Collector {
	manager.Queue(systemQueueName)
	return &Collector{manager: manager, systemName: systemQueueName, reg: reg, store: store}
}

// Run seeds the repeatable stats-snapshot-collector job on its own
// interval (default 60s), driving the "single-instance via Queue's
// repeatable contract" cadence from outside the Queue itself — the
// actual per-tick work runs as that job's Handler, on a Worker Pool
// poller, not on this goroutine.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.seed(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.seed(ctx)
		}
	}
}

func (c *Collector) seed(ctx context.Context) {
	q := c.manager.Queue(c.systemName)
	if _, err := q.EnsureRepeatable(ctx, job.TypeSnapshotCollector, job.TypeSnapshotCollector, json.RawMessage(`{}`)); err != nil {
		slog.Default().Error("collector.seed_error", "err", err)
	}
}

// Handler is registered with the Worker Pool under
// job.TypeSnapshotCollector. It always acks: per spec.md §4.6, a
// failed sub-step is logged and never stops the next tick, and a
// failed job here would otherwise stall reseeding (the repeatable
// contract only seeds a fresh occurrence once the current one is
// terminal).
func (c *Collector) Handler(ctx context.Context, j *job.Job) ([]byte, error) {
	for _, name := range c.manager.Names() {
		if err := c.tickQueue(ctx, name); err != nil {
			slog.Default().Error("collector.tick_error", "queue", name, "err", err)
		}
	}
	return nil, nil
}

func (c *Collector) tickQueue(ctx context.Context, name string) error {
	q := c.manager.Queue(name)

	counts, err := withTimeout(ctx, func(tctx context.Context) (queue.Counts, error) {
		return q.GetCounts(tctx)
	})
	if err != nil {
		return fmt.Errorf("read queue counts: %w", err)
	}

	online, err := withTimeout(ctx, func(tctx context.Context) (int64, error) {
		return c.reg.OnlineCount(tctx)
	})
	if err != nil {
		return fmt.Errorf("read online worker count: %w", err)
	}

	prev, hasPrev, err := withTimeout3(ctx, func(tctx context.Context) (snapshot.QueueStatsSnapshot, bool, error) {
		return c.store.Latest(tctx, name)
	})
	if err != nil {
		return fmt.Errorf("read prior snapshot: %w", err)
	}

	var jobsPerMin *float64
	var clamped bool
	if hasPrev {
		delta := float64(counts.Completed) - float64(prev.Completed)
		if delta < 0 {
			delta = 0
			clamped = true
		}
		jobsPerMin = &delta
	}

	s := snapshot.QueueStatsSnapshot{
		ID:            uuid.NewString(),
		QueueName:     name,
		Waiting:       int(counts.Waiting),
		Active:        int(counts.Active),
		Delayed:       int(counts.Delayed),
		Completed:     int(counts.Completed),
		Failed:        int(counts.Failed),
		Paused:        counts.Paused,
		JobsPerMin:    jobsPerMin,
		Clamped:       clamped,
		OnlineWorkers: int(online),
		Timestamp:     time.Now().UTC(),
	}

	if _, err := withTimeoutErr(ctx, func(tctx context.Context) error {
		return c.store.Insert(tctx, s)
	}); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := withTimeout(ctx, func(tctx context.Context) (int64, error) {
		return c.reg.Prune(tctx)
	}); err != nil {
		slog.Default().Error("collector.prune_error", "queue", name, "err", err)
	}

	if _, err := withTimeout(ctx, func(tctx context.Context) (int64, error) {
		return c.store.DeleteOlderThan(tctx, time.Now().UTC().Add(-retention))
	}); err != nil {
		slog.Default().Error("collector.retention_error", "queue", name, "err", err)
	}

	return nil
}

// subStepTimeout bounds each sub-step of a tick so a slow dependency
// never stalls the next tick (spec.md §4.6: "MUST NOT block on any
// single sub-step longer than a few seconds").
const subStepTimeout = 3 * time.Second

func withTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, subStepTimeout)
	defer cancel()
	return fn(tctx)
}

func withTimeout3[A, B any](ctx context.Context, fn func(context.Context) (A, B, error)) (A, B, error) {
	tctx, cancel := context.WithTimeout(ctx, subStepTimeout)
	defer cancel()
	return fn(tctx)
}

func withTimeoutErr(ctx context.Context, fn func(context.Context) error) (struct{}, error) {
	tctx, cancel := context.WithTimeout(ctx, subStepTimeout)
	defer cancel()
	return struct{}{}, fn(tctx)
}
