package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postloop/core/internal/audit"
	"github.com/postloop/core/internal/collector"
	"github.com/postloop/core/internal/config"
	"github.com/postloop/core/internal/db"
	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/incidentdetector"
	"github.com/postloop/core/internal/notifications"
	"github.com/postloop/core/internal/observability"
	"github.com/postloop/core/internal/planner"
	"github.com/postloop/core/internal/policy"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/queue/redisclient"
	"github.com/postloop/core/internal/registry"
	"github.com/postloop/core/internal/repo/postgres"
	"github.com/postloop/core/internal/runstate"
	"github.com/postloop/core/internal/workerpool"
)

// cmd/worker runs every background loop of this core: the Worker Pool
// (C3) dispatching CREATE_POST and the snapshot-collector job, the
// Schedule Planner's daily tick (C4), the Snapshot Collector's reseed
// loop (C6) and the Incident Detector's 1-minute tick (C7). cmd/api
// (the Control Plane, C8) is a separate process that only reads the
// same Redis/Postgres state — it never dispatches jobs itself.
func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "postloop-worker", cfg.OtelEndpoint)
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		slog.Default().ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	prom := observability.NewProm(prometheus.NewRegistry())

	schedulesRepo := postgres.NewSchedulesRepo(pool, prom)
	runsRepo := postgres.NewScheduleRunsRepo(pool, prom)
	snapshotsRepo := postgres.NewSnapshotsRepo(pool, prom)
	incidentsRepo := postgres.NewIncidentsRepo(pool, prom)
	auditRepo := postgres.NewAuditRepo(pool, prom)
	auditLog := audit.New(auditRepo, logger)

	redisClient := redisclient.New(redisclient.Config{Addr: cfg.RedisAddr})
	manager := queue.NewManager(redisClient.Raw())
	heartbeatTTL := 3 * time.Duration(cfg.SnapshotIntervalSec) * time.Second
	if heartbeatTTL <= 0 {
		heartbeatTTL = 90 * time.Second
	}
	reg := registry.New(redisClient.Raw(), queue.DefaultQueueName, heartbeatTTL)
	q := manager.Queue(queue.DefaultQueueName)

	host, _ := os.Hostname()
	workerID := host + "-" + strconv.Itoa(os.Getpid())

	gate := policy.New(
		policy.AlwaysHealthySessionReader{},
		policy.ZeroUsageReader{},
		q,
		cfg.AutoSuspendThreshold,
	)

	recorder := runstate.NewRecorder()

	plan := planner.New(
		schedulesRepo,
		schedulesRepo,
		runsRepo,
		gate,
		q,
		auditLog,
		recorder,
		planner.Config{Zone: time.UTC},
	)

	coll := collector.New(manager, queue.DefaultQueueName, reg, snapshotsRepo)

	var notifier notifications.Notifier = notifications.NewLogNotifier()
	if cfg.SlackToken != "" && cfg.SlackChannelID != "" {
		notifier = notifications.NewProtectedNotifier(
			notifications.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannelID),
			notifications.ProtectedNotifierConfig{
				Timeout:          2 * time.Second,
				FailureThreshold: 3,
				Cooldown:         15 * time.Second,
				HalfOpenMaxCalls: 1,
			},
		)
	}
	detector := incidentdetector.New(snapshotsRepo, incidentsRepo, manager, notifier)

	wp := workerpool.New(workerpool.Config{
		WorkerID:      workerID,
		PollInterval:  2 * time.Second,
		HeartbeatTTL:  30 * time.Second,
		ShutdownGrace: 10 * time.Second,
	}, q, reg)

	// The actual third-party posting action is out of scope (spec.md
	// §1) and pluggable; this stub demonstrates the seam a real
	// CREATE_POST handler plugs into and always fails so it never
	// silently masquerades as a working integration.
	wp.Register(job.TypeCreatePost, stubCreatePostHandler, workerpool.TypeConfig{
		Concurrency: 1,
		Timeout:     30 * time.Second,
	})
	wp.Register(job.TypeSnapshotCollector, coll.Handler, workerpool.TypeConfig{
		Concurrency: 1,
		Timeout:     10 * time.Second,
	})
	wp.OnProgress(plan.OnJobOutcome)
	wp.OnActive(plan.OnJobActive)

	go coll.Run(ctx, time.Duration(cfg.SnapshotIntervalSec)*time.Second)
	go detector.Run(ctx, time.Duration(cfg.IncidentIntervalSec)*time.Second)
	go runPlannerLoop(ctx, plan)

	slog.Default().InfoContext(ctx, "worker.start", "worker_id", workerID)

	if err := wp.Run(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "worker.run_failed", "err", err)
	}

	slog.Default().InfoContext(context.Background(), "worker.shutdown_complete")
}

// runPlannerLoop ticks the Schedule Planner once a minute so any
// Schedule whose runTime matches the current minute gets
// materialized (spec.md §4.4); a minute granularity is enough since
// Schedules configure runTime to the minute.
func runPlannerLoop(ctx context.Context, plan *planner.Planner) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := plan.Tick(ctx, now); err != nil {
				slog.Default().ErrorContext(ctx, "planner.tick_error", "err", err)
			}
		}
	}
}

func stubCreatePostHandler(ctx context.Context, j *job.Job) ([]byte, error) {
	return nil, errors.New("create-post handler not configured: wire a real poster implementation")
}
