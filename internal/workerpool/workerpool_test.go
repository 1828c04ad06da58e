package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/registry"
	"github.com/postloop/core/internal/workerpool"
)

func newTestPool(t *testing.T, cfg workerpool.Config) (*workerpool.Pool, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := queue.NewManager(client)
	q := manager.Queue(queue.DefaultQueueName)
	reg := registry.New(client, queue.DefaultQueueName, time.Minute)

	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}

	return workerpool.New(cfg, q, reg), q
}

func TestPool_Run_ErrorsWithNoHandlersRegistered(t *testing.T) {
	p, _ := newTestPool(t, workerpool.Config{})
	if err := p.Run(t.Context()); err == nil {
		t.Fatal("expected an error when Run is called with no registered handlers")
	}
}

func TestPool_Run_DispatchesToHandlerAndAcks(t *testing.T) {
	p, q := newTestPool(t, workerpool.Config{ShutdownGrace: 200 * time.Millisecond})

	var mu sync.Mutex
	var progressed []bool
	p.Register(job.TypeCreatePost, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}, workerpool.TypeConfig{Concurrency: 1, Timeout: time.Second})
	p.OnProgress(func(ctx context.Context, j *job.Job, ok bool, code job.ErrorCode, msg string) {
		mu.Lock()
		progressed = append(progressed, ok)
		mu.Unlock()
	})

	if _, err := q.Enqueue(t.Context(), job.TypeCreatePost, nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(progressed)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("handler never reported progress within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progressed) != 1 || !progressed[0] {
		t.Fatalf("got progressed=%v, want a single successful outcome", progressed)
	}
}

func TestPool_HandlerPanicIsRecoveredAsFailure(t *testing.T) {
	p, q := newTestPool(t, workerpool.Config{ShutdownGrace: 200 * time.Millisecond})

	var mu sync.Mutex
	var codes []job.ErrorCode
	p.Register(job.TypeCreatePost, func(ctx context.Context, j *job.Job) ([]byte, error) {
		panic("boom")
	}, workerpool.TypeConfig{Concurrency: 1, Timeout: time.Second})
	p.OnProgress(func(ctx context.Context, j *job.Job, ok bool, code job.ErrorCode, msg string) {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
	})

	if _, err := q.Enqueue(t.Context(), job.TypeCreatePost, nil, queue.EnqueueOptions{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(codes)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("panic never surfaced as a reported outcome within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(codes))
	}
	if codes[0] != job.ErrUnknown {
		t.Fatalf("got error code %s, want %s (a panic has no Outcome to classify)", codes[0], job.ErrUnknown)
	}
}

func TestPool_OnActive_FiresBeforeTerminalOutcome(t *testing.T) {
	p, q := newTestPool(t, workerpool.Config{ShutdownGrace: 200 * time.Millisecond})

	var mu sync.Mutex
	var activeSeen, progressSeen bool
	p.Register(job.TypeCreatePost, func(ctx context.Context, j *job.Job) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if !activeSeen {
			t.Error("handler ran before OnActive fired")
		}
		return nil, nil
	}, workerpool.TypeConfig{Concurrency: 1, Timeout: time.Second})
	p.OnActive(func(ctx context.Context, j *job.Job) {
		mu.Lock()
		activeSeen = true
		mu.Unlock()
	})
	p.OnProgress(func(ctx context.Context, j *job.Job, ok bool, code job.ErrorCode, msg string) {
		mu.Lock()
		progressSeen = true
		mu.Unlock()
	})

	if _, err := q.Enqueue(t.Context(), job.TypeCreatePost, nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := progressSeen
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("job never reached a terminal outcome within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !activeSeen {
		t.Fatal("OnActive callback never fired")
	}
}

func TestPool_UnknownJobTypeFailsImmediately(t *testing.T) {
	p, q := newTestPool(t, workerpool.Config{ShutdownGrace: 200 * time.Millisecond})

	var mu sync.Mutex
	var codes []job.ErrorCode
	p.Register(job.TypeSnapshotCollector, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return nil, errors.New("never called")
	}, workerpool.TypeConfig{Concurrency: 1, Timeout: time.Second})
	p.OnProgress(func(ctx context.Context, j *job.Job, ok bool, code job.ErrorCode, msg string) {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
	})

	if _, err := q.Enqueue(t.Context(), job.TypeCreatePost, nil, queue.EnqueueOptions{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(codes)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("unregistered job type never surfaced as a reported outcome within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 1 || codes[0] != job.ErrUnknown {
		t.Fatalf("got codes=%v, want a single %s outcome", codes, job.ErrUnknown)
	}
}
