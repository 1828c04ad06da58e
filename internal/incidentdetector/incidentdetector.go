// Package incidentdetector implements the Incident Detector (C7):
// the rule set from spec.md §4.7, evaluated over QueueStatsSnapshot
// history, that opens, updates and auto-resolves Incident rows.
package incidentdetector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postloop/core/internal/domain/incident"
	"github.com/postloop/core/internal/domain/snapshot"
	"github.com/postloop/core/internal/queue"
)

const (
	failureWindow  = 30 * time.Minute
	autoResolveAge = 5 * time.Minute
)

type SnapshotsReader interface {
	Recent(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error)
	Window(ctx context.Context, queueName string, since time.Time) (completed, failed int, err error)
}

type IncidentsStore interface {
	OpenByTypeAndQueue(ctx context.Context, typ incident.Type, queueName string) (incident.Incident, bool, error)
	Open(ctx context.Context, i incident.Incident) (incident.Incident, error)
	Update(ctx context.Context, id string, severity incident.Severity, affectedJobs int) error
	Resolve(ctx context.Context, id, resolvedBy string, resolvedAt time.Time) error
}

// Notifier pages out for CRITICAL incidents. internal/notifications
// satisfies this.
type Notifier interface {
	NotifyIncident(ctx context.Context, i incident.Incident) error
}

type ruleKey struct {
	typ   incident.Type
	queue string
}

type Detector struct {
	snapshots SnapshotsReader
	incidents IncidentsStore
	manager   *queue.Manager
	notifier  Notifier

	mu        sync.Mutex
	falseSince map[ruleKey]time.Time
}

func New(snapshots SnapshotsReader, incidents IncidentsStore, manager *queue.Manager, notifier Notifier) *Detector {
	return &Detector{
		snapshots:  snapshots,
		incidents:  incidents,
		manager:    manager,
		notifier:   notifier,
		falseSince: make(map[ruleKey]time.Time),
	}
}

// Run ticks every interval (spec.md §4.7: "on its own 1-minute
// timer"), evaluating every rule for every queue the Manager knows.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

func (d *Detector) Tick(ctx context.Context) {
	for _, name := range d.manager.Names() {
		d.evaluateQueueBacklog(ctx, name)
		d.evaluateHighFailureRate(ctx, name)
		d.evaluateWorkerDown(ctx, name)
	}
}

func (d *Detector) evaluateQueueBacklog(ctx context.Context, queueName string) {
	recent, err := d.snapshots.Recent(ctx, queueName, 5)
	if err != nil {
		slog.Default().Error("incidentdetector.recent_error", "queue", queueName, "err", err)
		return
	}
	if len(recent) == 0 {
		return
	}

	consecutive := func(threshold int, need int) bool {
		if len(recent) < need {
			return false
		}
		tail := recent[len(recent)-need:]
		for _, s := range tail {
			if s.Waiting <= threshold {
				return false
			}
		}
		return true
	}

	latest := recent[len(recent)-1]
	var severity incident.Severity
	switch {
	case consecutive(200, 3):
		severity = incident.SeverityHigh
	case consecutive(100, 5):
		severity = incident.SeverityMedium
	}

	d.apply(ctx, incident.TypeQueueBacklog, queueName, severity, latest.Waiting,
		"Queue backlog", fmt.Sprintf("%d jobs waiting in %s", latest.Waiting, queueName),
		"Scale worker concurrency or investigate a stalled handler")
}

func (d *Detector) evaluateHighFailureRate(ctx context.Context, queueName string) {
	since := time.Now().UTC().Add(-failureWindow)
	completed, failed, err := d.snapshots.Window(ctx, queueName, since)
	if err != nil {
		slog.Default().Error("incidentdetector.window_error", "queue", queueName, "err", err)
		return
	}

	total := completed + failed
	var severity incident.Severity
	if total >= 20 {
		rate := float64(failed) / float64(total)
		switch {
		case rate >= 0.5:
			severity = incident.SeverityCritical
		case rate >= 0.3:
			severity = incident.SeverityHigh
		}
	}

	d.apply(ctx, incident.TypeHighFailureRate, queueName, severity, failed,
		"High failure rate", fmt.Sprintf("%d of %d jobs failed in the last 30 minutes in %s", failed, total, queueName),
		"Check the job handler's error logs for a systemic cause")
}

func (d *Detector) evaluateWorkerDown(ctx context.Context, queueName string) {
	recent, err := d.snapshots.Recent(ctx, queueName, 2)
	if err != nil {
		slog.Default().Error("incidentdetector.recent_error", "queue", queueName, "err", err)
		return
	}

	var severity incident.Severity
	if len(recent) >= 2 {
		allDown := true
		for _, s := range recent {
			if s.OnlineWorkers != 0 || s.Waiting <= 0 {
				allDown = false
				break
			}
		}
		if allDown {
			severity = incident.SeverityCritical
		}
	}

	affected := 0
	if len(recent) > 0 {
		affected = recent[len(recent)-1].Waiting
	}

	d.apply(ctx, incident.TypeWorkerDown, queueName, severity, affected,
		"No online workers", fmt.Sprintf("No workers have reported a heartbeat while %s has jobs waiting", queueName),
		"Check worker process health and restart if crashed")
}

// apply is the shared open/update/auto-resolve machinery every rule
// above funnels through. An empty severity means "condition does not
// currently hold".
func (d *Detector) apply(ctx context.Context, typ incident.Type, queueName string, severity incident.Severity, affectedJobs int, title, description, action string) {
	key := ruleKey{typ: typ, queue: queueName}
	holding := severity != ""

	existing, open, err := d.incidents.OpenByTypeAndQueue(ctx, typ, queueName)
	if err != nil {
		slog.Default().Error("incidentdetector.lookup_error", "type", typ, "queue", queueName, "err", err)
		return
	}

	if holding {
		d.clearFalseSince(key)

		if open {
			// Severity is set once, on open, and never revised: an
			// already-open incident's severity stays whatever it was
			// first observed as, even if the condition later worsens
			// or eases. Only affectedJobs tracks the most recent
			// observation.
			if existing.AffectedJobs != affectedJobs {
				if err := d.incidents.Update(ctx, existing.ID, existing.Severity, affectedJobs); err != nil {
					slog.Default().Error("incidentdetector.update_error", "id", existing.ID, "err", err)
				}
			}
			return
		}

		opened, err := d.incidents.Open(ctx, incident.Incident{
			ID:                uuid.NewString(),
			Type:              typ,
			Severity:          severity,
			QueueName:         queueName,
			Title:             title,
			Description:       description,
			RecommendedAction: action,
			AffectedJobs:      affectedJobs,
			StartedAt:         time.Now().UTC(),
		})
		if err != nil {
			slog.Default().Error("incidentdetector.open_error", "type", typ, "queue", queueName, "err", err)
			return
		}
		if severity == incident.SeverityCritical && d.notifier != nil {
			if err := d.notifier.NotifyIncident(ctx, opened); err != nil {
				slog.Default().Error("incidentdetector.notify_error", "id", opened.ID, "err", err)
			}
		}
		return
	}

	if !open {
		d.clearFalseSince(key)
		return
	}

	since := d.markFalseSince(key)
	if time.Since(since) >= autoResolveAge {
		if err := d.incidents.Resolve(ctx, existing.ID, "system", time.Now().UTC()); err != nil {
			slog.Default().Error("incidentdetector.resolve_error", "id", existing.ID, "err", err)
			return
		}
		d.clearFalseSince(key)
	}
}

func (d *Detector) markFalseSince(key ruleKey) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.falseSince[key]; ok {
		return t
	}
	now := time.Now().UTC()
	d.falseSince[key] = now
	return now
}

func (d *Detector) clearFalseSince(key ruleKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.falseSince, key)
}
