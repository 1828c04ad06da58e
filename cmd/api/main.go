package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/postloop/core/internal/config"
	"github.com/postloop/core/internal/db"
	httpx "github.com/postloop/core/internal/http"
	"github.com/postloop/core/internal/observability"
	"github.com/postloop/core/internal/runstate"
)

func main() {
	// Load the config set up
	_ = godotenv.Load()
	cfg := config.Load()

	// Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "postloop-api", cfg.OtelEndpoint)
	if err != nil {
		fmt.Println("otel init failed:", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	if err := db.Migrate(ctx, cfg.DBURL); err != nil {
		log.Error("db migration failed", "err", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(cfg.DBURL)

	if err != nil {
		log.Error("db connection failed", "err", err)
		os.Exit(1)
	}

	defer pool.Close()

	// This process never dispatches jobs, so its Recorder never
	// observes cmd/worker's in-process events; the dashboard read
	// path (C10) falls back to the relational ScheduleRun rows for
	// anything this Recorder hasn't seen, see DESIGN.md.
	recorder := runstate.NewRecorder()

	// set up routers with the log
	router := httpx.NewRouter(log, pool, recorder, cfg)

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server in the background using an anonymous function

	go func() {
		log.Info("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Block until we get SIGINT/SIGTERM

	<-ctx.Done()

	log.Info("shutdown signal received")

	// Graceful shutdown with timeout

	shutdownContext, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFunc()

	err = srv.Shutdown(shutdownContext)

	if err != nil {
		log.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close() // last resort
	} else {
		log.Info("server stopped gracefully.")
	}
}
