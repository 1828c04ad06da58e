// Package runstate implements the Run-state Reader (C10): the
// read-only projection dashboards poll every ~3s, per spec.md §4.10.
// It never stores a display status — only the counters a
// ScheduleRun already has — and derives QUEUED/RUNNING/COMPLETED/
// FAILED/PARTIAL fresh on every read.
package runstate

import (
	"context"
	"sync"
	"time"

	"github.com/postloop/core/internal/domain/schedule"
)

const activeWindow = 30 * time.Second

// Event is one job's terminal outcome, kept for the "up to 3 most
// recent per-job events" feed (spec.md §4.10).
type Event struct {
	Index     int
	Result    string
	ErrorCode *string
	CreatedAt time.Time
}

const maxEventsPerRun = 3

// Recorder is fed by the Worker Pool's outcome callback (wired
// through internal/planner) and keeps only the last few events per
// run in memory — this is a live, best-effort feed, not an
// audit-grade log.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][]Event)}
}

func (r *Recorder) Record(runID string, index int, result string, errorCode *string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := Event{Index: index, Result: result, ErrorCode: errorCode, CreatedAt: at}
	list := append(r.events[runID], ev)
	if len(list) > maxEventsPerRun {
		list = list[len(list)-maxEventsPerRun:]
	}
	r.events[runID] = list
}

func (r *Recorder) Recent(runID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events[runID]))
	copy(out, r.events[runID])
	return out
}

// DisplayStatus is the §4.10 vocabulary, computed fresh from counters
// and never persisted — distinct from schedule.RunStatus, the stored
// status on the ScheduleRun row itself.
type DisplayStatus string

const (
	DisplayQueued    DisplayStatus = "QUEUED"
	DisplayRunning   DisplayStatus = "RUNNING"
	DisplayCompleted DisplayStatus = "COMPLETED"
	DisplayFailed    DisplayStatus = "FAILED"
	DisplayPartial   DisplayStatus = "PARTIAL"
)

// Derive implements spec.md §4.10's exact formula.
func Derive(run schedule.ScheduleRun) DisplayStatus {
	processed := run.ProcessedJobs()
	if processed < run.TotalJobs {
		if run.StartedAt == nil {
			return DisplayQueued
		}
		return DisplayRunning
	}
	if run.FailedJobs == 0 {
		return DisplayCompleted
	}
	if run.CompletedJobs == 0 {
		return DisplayFailed
	}
	return DisplayPartial
}

type RunsReader interface {
	ActiveOrRecentlyTerminal(ctx context.Context, within time.Duration) ([]schedule.ScheduleRun, error)
}

// ActiveRun is the per-run shape the dashboard poll returns.
type ActiveRun struct {
	Run           schedule.ScheduleRun
	Status        DisplayStatus
	ProcessedJobs int
	RecentEvents  []Event
}

type Reader struct {
	runs     RunsReader
	recorder *Recorder
}

func NewReader(runs RunsReader, recorder *Recorder) *Reader {
	return &Reader{runs: runs, recorder: recorder}
}

// ActiveRuns returns every non-terminal Run plus any that terminated
// within the last 30s, per spec.md §4.10's UI-jitter allowance.
func (r *Reader) ActiveRuns(ctx context.Context) ([]ActiveRun, error) {
	runs, err := r.runs.ActiveOrRecentlyTerminal(ctx, activeWindow)
	if err != nil {
		return nil, err
	}

	out := make([]ActiveRun, 0, len(runs))
	for _, run := range runs {
		out = append(out, ActiveRun{
			Run:           run,
			Status:        Derive(run),
			ProcessedJobs: run.ProcessedJobs(),
			RecentEvents:  r.recorder.Recent(run.ID),
		})
	}
	return out, nil
}
