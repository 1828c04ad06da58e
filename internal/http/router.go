package http

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/postloop/core/internal/audit"
	"github.com/postloop/core/internal/config"
	"github.com/postloop/core/internal/http/handlers"
	"github.com/postloop/core/internal/http/middlewares"
	"github.com/postloop/core/internal/observability"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/queue/redisclient"
	"github.com/postloop/core/internal/registry"
	"github.com/postloop/core/internal/repo/postgres"
	"github.com/postloop/core/internal/runstate"

	pkgauth "github.com/postloop/core/internal/auth"
)

const heartbeatTTL = 90 * time.Second

// NewRouter wires the Control Plane (C8) and the dashboard read
// surface (spec.md §6) on top of the Queue/Registry/relational
// repositories. It never dispatches jobs itself — per spec.md §5 the
// API process is internally concurrent but performs no blocking job
// execution; that is cmd/worker's job.
func NewRouter(log *slog.Logger, pool *pgxpool.Pool, recorder *runstate.Recorder, cfg config.Config) *gin.Engine {
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	redisClient := redisclient.New(redisclient.Config{Addr: cfg.RedisAddr})
	manager := queue.NewManager(redisClient.Raw())
	reg := registry.New(redisClient.Raw(), queue.DefaultQueueName, heartbeatTTL)
	registryFor := func(queueName string) *registry.Registry {
		if queueName != queue.DefaultQueueName {
			return nil
		}
		return reg
	}

	prom := observability.NewProm(prometheus.DefaultRegisterer)

	snapshotsRepo := postgres.NewSnapshotsRepo(pool, prom)
	incidentsRepo := postgres.NewIncidentsRepo(pool, prom)
	auditRepo := postgres.NewAuditRepo(pool, prom)
	runsRepo := postgres.NewScheduleRunsRepo(pool, prom)

	auditLog := audit.New(auditRepo, log)
	dashboard := runstate.NewReader(runsRepo, recorder)

	readyCheck := func() error {
		if pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return redisClient.Ping(ctx)
	}

	slog.SetDefault(log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("postloop-api"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware([]string{"http://localhost:3000"}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	r.Use(middlewares.RequireJSON())

	h := handlers.NewHealthHandler(readyCheck)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	jwtManager := pkgauth.NewManager(cfg.JWTSecret, time.Hour, 24*time.Hour)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	wm := handlers.NewWorkerMonitorHandler(manager, registryFor, snapshotsRepo, incidentsRepo, auditLog, dashboard)

	rateLimiter := middlewares.NewRateLimiter(cfg.RateLimitRequests, time.Duration(cfg.RateLimitWindowSec)*time.Second)

	authed := r.Group("/")
	authed.Use(authMiddleware.RequireAuth())
	authed.GET("/dashboard/active-runs", wm.ActiveRuns)

	admin := authed.Group("/admin/worker-monitor")
	admin.Use(authMiddleware.RequireRole("admin"))
	admin.Use(rateLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP))
	{
		admin.GET("/overview", wm.Overview)
		admin.GET("/queues", wm.ListQueues)
		admin.GET("/queues/:name/trend", wm.QueueTrend)
		admin.GET("/queues/:name/jobs", wm.ListJobs)
		admin.GET("/queues/:name/jobs/:jobId", wm.GetJob)
		admin.POST("/queues/:name/pause", wm.PauseQueue)
		admin.POST("/queues/:name/resume", wm.ResumeQueue)
		admin.POST("/queues/:name/retry-failed", wm.RetryFailed)
		admin.DELETE("/queues/:name/drain", wm.DrainQueue)
		admin.DELETE("/queues/:name/clean", wm.CleanQueue)
		admin.POST("/queues/:name/jobs/:jobId/retry", wm.RetryJob)
		admin.POST("/queues/:name/jobs/:jobId/cancel", wm.CancelJob)
		admin.GET("/workers", wm.ListWorkers)
		admin.GET("/incidents", wm.ListIncidents)
		admin.POST("/incidents/:id/acknowledge", wm.AcknowledgeIncident)
		admin.POST("/incidents/:id/resolve", wm.ResolveIncident)
	}

	return r
}
