// Package workerpool implements the Worker Pool (C3): a handler
// registry plus a set of poller goroutines that claim jobs off
// internal/queue and dispatch them to the registered Handler for
// their job type, per spec.md §4.3. Panics never escape a job run;
// whatever the handler returns is translated into an Ack/Fail.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/postloop/core/internal/actorctx"
	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/observability"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/registry"
)

var tracer = otel.Tracer("postloop-workerpool")

// Handler runs one job and reports its outcome. A nil error means
// success; any non-nil error is classified through Outcome to decide
// retry vs terminal failure and the ErrorCode recorded on the job.
type Handler func(ctx context.Context, j *job.Job) (returnValue []byte, err error)

// Outcome lets a Handler's error carry a specific ErrorCode instead of
// being bucketed as job.ErrUnknown.
type Outcome struct {
	Code    job.ErrorCode
	Message string
}

func (o Outcome) Error() string { return o.Message }

// ProgressFunc is invoked once a job reaches a terminal outcome
// (Ack'd or permanently Fail'd) — never on a retriable failure that
// just goes back to DELAYED. This is the `reportProgress` the handler
// ctx exposes per spec.md §4.3, surfaced here as a pool-level callback
// so the Schedule Planner can bump ScheduleRun counters and the
// Run-state Reader can record the job's place in the recent-events
// feed without either package reaching into the Queue itself.
type ProgressFunc func(ctx context.Context, j *job.Job, ok bool, errorCode job.ErrorCode, errorMessage string)

// ActiveFunc is invoked once a job is reserved and about to run, i.e.
// its ACTIVE transition (spec.md §4.4: a ScheduleRun's startedAt is
// "set on first ACTIVE transition of any child job"). Unlike
// ProgressFunc this fires before the handler runs, not after it
// finishes.
type ActiveFunc func(ctx context.Context, j *job.Job)

// TypeConfig is per-job-type tuning: Concurrency is how many poller
// goroutines this type adds to the Pool (1 for CREATE_POST per spec.md
// §4.3), and Timeout is its wall-clock budget. Every poller claims
// whichever job the queue hands out next, whatever its type, so
// Concurrency does not cap how many jobs of one type run at once.
type TypeConfig struct {
	Concurrency int
	Timeout     time.Duration
}

type Config struct {
	WorkerID      string
	PollInterval  time.Duration
	HeartbeatTTL  time.Duration
	ShutdownGrace time.Duration
}

// Pool polls a single named queue and dispatches to registered
// handlers. Run one Pool per queue name.
type Pool struct {
	cfg      Config
	q        *queue.Queue
	reg      *registry.Registry
	metrics  *observability.JobMetrics
	handlers map[string]Handler
	types    map[string]TypeConfig
	mu       sync.Mutex

	active   map[string]struct{}
	activeMu sync.Mutex

	// processedJobs/failedJobs back the WorkerInfo counters spec.md §3
	// requires the Heartbeat Registry to expose (§4.3).
	processedJobs int64
	failedJobs    int64

	onProgress ProgressFunc
	onActive   ActiveFunc
}

func New(cfg Config, q *queue.Queue, reg *registry.Registry) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	return &Pool{
		cfg:      cfg,
		q:        q,
		reg:      reg,
		metrics:  observability.NewJobMetrics(),
		handlers: make(map[string]Handler),
		types:    make(map[string]TypeConfig),
		active:   make(map[string]struct{}),
	}
}

// Register binds jobType to handler with the given per-type
// concurrency/timeout. Must be called before Run.
func (p *Pool) Register(jobType string, handler Handler, cfg TypeConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
	p.types[jobType] = cfg
}

func (p *Pool) Metrics() *observability.JobMetrics { return p.metrics }

// OnProgress registers the callback invoked after every job's
// terminal outcome. Must be called before Run.
func (p *Pool) OnProgress(fn ProgressFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProgress = fn
}

// OnActive registers the callback invoked once a job is reserved,
// before its handler runs. Must be called before Run.
func (p *Pool) OnActive(fn ActiveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onActive = fn
}

// Run blocks until ctx is cancelled. It starts one poller goroutine
// per unit of concurrency across every registered job type, a
// heartbeat loop, and on shutdown releases every job still held back
// to the queue before returning.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	total := 0
	for _, c := range p.types {
		total += c.Concurrency
	}
	p.mu.Unlock()

	if total == 0 {
		return errors.New("workerpool: no handlers registered")
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.pollLoop(ctx, slot)
		}(i + 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		slog.Default().Warn("workerpool.shutdown_grace_exceeded", "worker_id", p.cfg.WorkerID)
	}

	p.releaseHeld(context.Background())
	return nil
}

func (p *Pool) pollLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx, slot)
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context, slot int) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	j, err := p.q.Reserve(claimCtx, p.workerSlotID(slot))
	cancel()

	if err != nil {
		slog.Default().Error("workerpool.reserve_error", "err", err, "worker_id", p.cfg.WorkerID)
		return
	}
	if j == nil {
		return
	}

	p.reportActive(ctx, j)

	p.mu.Lock()
	handler, known := p.handlers[j.Type]
	cfg := p.types[j.Type]
	p.mu.Unlock()

	if !known {
		msg := fmt.Sprintf("no handler registered for job type %q", j.Type)
		slog.Default().Error("workerpool.unknown_type", "job_id", j.ID, "job_type", j.Type)
		if terminal, failErr := p.q.Fail(ctx, j.ID, job.ErrUnknown, msg); failErr == nil && terminal {
			p.reportOutcome(ctx, j, false, job.ErrUnknown, msg)
		}
		return
	}

	p.trackHeld(j.ID, true)
	defer p.trackHeld(j.ID, false)

	p.runOne(ctx, j, handler, cfg.Timeout)
}

func (p *Pool) workerSlotID(slot int) string {
	return fmt.Sprintf("%s-%d", p.cfg.WorkerID, slot)
}

func (p *Pool) runOne(ctx context.Context, j *job.Job, handler Handler, timeout time.Duration) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if j.UserID != nil && *j.UserID != "" {
		runCtx = actorctx.WithUserID(runCtx, *j.UserID)
	}

	runCtx, span := tracer.Start(runCtx, "job.run", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.type", j.Type),
		attribute.Int("job.attempts", j.AttemptsMade),
		attribute.Int("job.max_attempts", j.MaxAttempts),
		attribute.String("worker.id", p.cfg.WorkerID),
	))
	defer span.End()

	startArgs := []any{"job_id", j.ID, "job_type", j.Type, "worker_id", p.cfg.WorkerID}
	if actor, ok := actorctx.UserIDFrom(runCtx); ok {
		startArgs = append(startArgs, "actor_id", actor)
	}
	slog.Default().InfoContext(runCtx, "job.start", startArgs...)

	returnValue, err := p.safeRun(runCtx, handler, j)

	d := time.Since(start)
	p.metrics.ObserveDuration(d)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.IncFailed()

		code, msg := classify(err)
		slog.Default().ErrorContext(runCtx, "job.error", "job_id", j.ID, "job_type", j.Type, "err", msg, "duration_ms", d.Milliseconds())

		terminal, failErr := p.q.Fail(ctx, j.ID, code, msg)
		if failErr != nil {
			slog.Default().Error("workerpool.fail_record_error", "job_id", j.ID, "err", failErr)
			return
		}
		if terminal {
			p.reportOutcome(ctx, j, false, code, msg)
		}
		return
	}

	span.SetStatus(codes.Ok, "done")
	p.metrics.IncDone()

	if ackErr := p.q.Ack(ctx, j.ID, returnValue); ackErr != nil {
		slog.Default().Error("workerpool.ack_error", "job_id", j.ID, "err", ackErr)
		return
	}

	slog.Default().InfoContext(runCtx, "job.done", "job_id", j.ID, "job_type", j.Type, "duration_ms", d.Milliseconds())
	p.reportOutcome(ctx, j, true, "", "")
}

func (p *Pool) reportActive(ctx context.Context, j *job.Job) {
	p.mu.Lock()
	fn := p.onActive
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(ctx, j)
}

func (p *Pool) reportOutcome(ctx context.Context, j *job.Job, ok bool, errorCode job.ErrorCode, errorMessage string) {
	if ok {
		atomic.AddInt64(&p.processedJobs, 1)
	} else {
		atomic.AddInt64(&p.failedJobs, 1)
	}

	p.mu.Lock()
	fn := p.onProgress
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(ctx, j, ok, errorCode, errorMessage)
}

// safeRun recovers a handler panic and turns it into an error so one
// bad job type never takes down a poller goroutine.
func (p *Pool) safeRun(ctx context.Context, handler Handler, j *job.Job) (rv []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, j)
}

func classify(err error) (job.ErrorCode, string) {
	var outcome Outcome
	if errors.As(err, &outcome) {
		return outcome.Code, outcome.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return job.ErrTimeout, err.Error()
	}
	return job.ErrUnknown, err.Error()
}

func (p *Pool) trackHeld(jobID string, held bool) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if held {
		p.active[jobID] = struct{}{}
	} else {
		delete(p.active, jobID)
	}
}

func (p *Pool) activeCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// releaseHeld puts back every job still claimed by this pool when Run
// returns, so a deploy doesn't strand them until their lock TTL
// expires.
func (p *Pool) releaseHeld(ctx context.Context) {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()

	for _, id := range ids {
		if err := p.q.Release(ctx, id); err != nil {
			slog.Default().Error("workerpool.release_error", "job_id", id, "err", err)
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	beat := func() {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.reg.Beat(hctx, registry.Info{
			WorkerID:      p.cfg.WorkerID,
			Queue:         p.q.Name(),
			StartedAt:     time.Now().UTC(),
			ActiveJobs:    p.activeCount(),
			ProcessedJobs: atomic.LoadInt64(&p.processedJobs),
			FailedJobs:    atomic.LoadInt64(&p.failedJobs),
		}); err != nil {
			slog.Default().Error("workerpool.heartbeat_error", "err", err, "worker_id", p.cfg.WorkerID)
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
