package incidentdetector_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/domain/incident"
	"github.com/postloop/core/internal/domain/snapshot"
	"github.com/postloop/core/internal/incidentdetector"
	"github.com/postloop/core/internal/queue"
)

type fakeSnapshots struct {
	recentFn func(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error)
	windowFn func(ctx context.Context, queueName string, since time.Time) (int, int, error)
}

func (f *fakeSnapshots) Recent(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error) {
	if f.recentFn != nil {
		return f.recentFn(ctx, queueName, n)
	}
	return nil, nil
}

func (f *fakeSnapshots) Window(ctx context.Context, queueName string, since time.Time) (int, int, error) {
	if f.windowFn != nil {
		return f.windowFn(ctx, queueName, since)
	}
	return 0, 0, nil
}

type fakeIncidents struct {
	open    map[string]incident.Incident
	updated []string
	opened  []incident.Incident
	resolved []string
}

func newFakeIncidents() *fakeIncidents {
	return &fakeIncidents{open: make(map[string]incident.Incident)}
}

func (f *fakeIncidents) OpenByTypeAndQueue(ctx context.Context, typ incident.Type, queueName string) (incident.Incident, bool, error) {
	i, ok := f.open[string(typ)+"|"+queueName]
	return i, ok, nil
}

func (f *fakeIncidents) Open(ctx context.Context, i incident.Incident) (incident.Incident, error) {
	f.open[string(i.Type)+"|"+i.QueueName] = i
	f.opened = append(f.opened, i)
	return i, nil
}

func (f *fakeIncidents) Update(ctx context.Context, id string, severity incident.Severity, affectedJobs int) error {
	f.updated = append(f.updated, id)
	for k, v := range f.open {
		if v.ID == id {
			v.Severity = severity
			v.AffectedJobs = affectedJobs
			f.open[k] = v
		}
	}
	return nil
}

func (f *fakeIncidents) Resolve(ctx context.Context, id, resolvedBy string, resolvedAt time.Time) error {
	f.resolved = append(f.resolved, id)
	for k, v := range f.open {
		if v.ID == id {
			delete(f.open, k)
		}
	}
	return nil
}

type fakeNotifier struct {
	notified []incident.Incident
}

func (f *fakeNotifier) NotifyIncident(ctx context.Context, i incident.Incident) error {
	f.notified = append(f.notified, i)
	return nil
}

func newTestManager(t *testing.T, queueNames ...string) *queue.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := queue.NewManager(client)
	for _, name := range queueNames {
		m.Queue(name)
	}
	return m
}

func TestDetector_QueueBacklog_OpensHighSeverityIncident(t *testing.T) {
	manager := newTestManager(t, "create-post")
	snapshots := &fakeSnapshots{
		recentFn: func(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error) {
			out := make([]snapshot.QueueStatsSnapshot, n)
			for i := range out {
				out[i] = snapshot.QueueStatsSnapshot{Waiting: 250, OnlineWorkers: 1}
			}
			return out, nil
		},
	}
	incidents := newFakeIncidents()
	notifier := &fakeNotifier{}

	d := incidentdetector.New(snapshots, incidents, manager, notifier)
	d.Tick(t.Context())

	if len(incidents.opened) != 1 {
		t.Fatalf("got %d opened incidents, want 1", len(incidents.opened))
	}
	if incidents.opened[0].Type != incident.TypeQueueBacklog {
		t.Fatalf("got type %s, want QUEUE_BACKLOG", incidents.opened[0].Type)
	}
	if incidents.opened[0].Severity != incident.SeverityHigh {
		t.Fatalf("got severity %s, want HIGH (waiting>200 for 3 consecutive ticks)", incidents.opened[0].Severity)
	}
}

func TestDetector_HighFailureRate_CriticalPagesNotifier(t *testing.T) {
	manager := newTestManager(t, "create-post")
	snapshots := &fakeSnapshots{
		windowFn: func(ctx context.Context, queueName string, since time.Time) (int, int, error) {
			return 5, 15, nil // 15/20 failed = 75%
		},
	}
	incidents := newFakeIncidents()
	notifier := &fakeNotifier{}

	d := incidentdetector.New(snapshots, incidents, manager, notifier)
	d.Tick(t.Context())

	if len(notifier.notified) != 1 {
		t.Fatalf("got %d notifications, want 1 for a CRITICAL incident", len(notifier.notified))
	}
	if notifier.notified[0].Severity != incident.SeverityCritical {
		t.Fatalf("got severity %s, want CRITICAL", notifier.notified[0].Severity)
	}
}

func TestDetector_SeverityIsOneShot_DoesNotReescalate(t *testing.T) {
	manager := newTestManager(t, "create-post")
	waiting := 150 // MEDIUM: >100 for >=5 consecutive ticks
	snapshots := &fakeSnapshots{
		recentFn: func(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error) {
			out := make([]snapshot.QueueStatsSnapshot, n)
			for i := range out {
				out[i] = snapshot.QueueStatsSnapshot{Waiting: waiting, OnlineWorkers: 1}
			}
			return out, nil
		},
	}
	incidents := newFakeIncidents()
	d := incidentdetector.New(snapshots, incidents, manager, &fakeNotifier{})

	d.Tick(t.Context())
	if len(incidents.opened) != 1 || incidents.opened[0].Severity != incident.SeverityMedium {
		t.Fatalf("got opened=%v, want a single MEDIUM incident", incidents.opened)
	}

	// Condition worsens past the HIGH threshold on a later tick.
	waiting = 250
	d.Tick(t.Context())

	var current incident.Incident
	for _, v := range incidents.open {
		current = v
	}
	if current.Severity != incident.SeverityMedium {
		t.Fatalf("got severity %s after the condition worsened, want severity to stay MEDIUM (one-shot)", current.Severity)
	}
	if current.AffectedJobs != 250 {
		t.Fatalf("got affectedJobs=%d, want 250 (affectedJobs alone should track the latest observation)", current.AffectedJobs)
	}
}

func TestDetector_StaysOpenWithinAutoResolveGraceAfterConditionClears(t *testing.T) {
	manager := newTestManager(t, "create-post")
	holding := true
	snapshots := &fakeSnapshots{
		recentFn: func(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error) {
			if holding {
				out := make([]snapshot.QueueStatsSnapshot, n)
				for i := range out {
					out[i] = snapshot.QueueStatsSnapshot{Waiting: 250}
				}
				return out, nil
			}
			return make([]snapshot.QueueStatsSnapshot, n), nil
		},
	}
	incidents := newFakeIncidents()
	d := incidentdetector.New(snapshots, incidents, manager, &fakeNotifier{})

	d.Tick(t.Context())
	if len(incidents.open) == 0 {
		t.Fatal("expected an incident to be open after the backlog condition holds")
	}

	holding = false
	d.Tick(t.Context())

	if len(incidents.open) == 0 {
		t.Fatal("an incident should stay open immediately after the condition clears (grace window not yet elapsed)")
	}
}
