package runstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/postloop/core/internal/domain/schedule"
	"github.com/postloop/core/internal/runstate"
)

func TestDerive(t *testing.T) {
	started := time.Now().UTC()

	tests := []struct {
		name string
		run  schedule.ScheduleRun
		want runstate.DisplayStatus
	}{
		{
			name: "queued_before_any_job_starts",
			run:  schedule.ScheduleRun{TotalJobs: 3},
			want: runstate.DisplayQueued,
		},
		{
			name: "running_once_started_but_not_all_processed",
			run:  schedule.ScheduleRun{TotalJobs: 3, CompletedJobs: 1, StartedAt: &started},
			want: runstate.DisplayRunning,
		},
		{
			name: "completed_no_failures",
			run:  schedule.ScheduleRun{TotalJobs: 3, CompletedJobs: 3, StartedAt: &started},
			want: runstate.DisplayCompleted,
		},
		{
			name: "failed_every_job",
			run:  schedule.ScheduleRun{TotalJobs: 3, FailedJobs: 3, StartedAt: &started},
			want: runstate.DisplayFailed,
		},
		{
			name: "partial_some_completed_some_failed",
			run:  schedule.ScheduleRun{TotalJobs: 3, CompletedJobs: 2, FailedJobs: 1, StartedAt: &started},
			want: runstate.DisplayPartial,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runstate.Derive(tt.run); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRecorder_KeepsOnlyMostRecentPerRun(t *testing.T) {
	r := runstate.NewRecorder()

	for i := 1; i <= 5; i++ {
		r.Record("run-1", i, "COMPLETED", nil, time.Now().UTC())
	}

	recent := r.Recent("run-1")
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3 (spec caps the recent feed at 3)", len(recent))
	}
	if recent[0].Index != 3 || recent[2].Index != 5 {
		t.Fatalf("got indices %d..%d, want 3..5 (oldest evicted first)", recent[0].Index, recent[2].Index)
	}
}

func TestRecorder_Recent_UnknownRunReturnsEmpty(t *testing.T) {
	r := runstate.NewRecorder()
	if got := r.Recent("missing"); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

type fakeRunsReader struct {
	runs []schedule.ScheduleRun
	err  error
}

func (f fakeRunsReader) ActiveOrRecentlyTerminal(ctx context.Context, within time.Duration) ([]schedule.ScheduleRun, error) {
	return f.runs, f.err
}

func TestReader_ActiveRuns_CombinesCountersAndRecentEvents(t *testing.T) {
	recorder := runstate.NewRecorder()
	recorder.Record("run-1", 1, "COMPLETED", nil, time.Now().UTC())

	reader := runstate.NewReader(fakeRunsReader{runs: []schedule.ScheduleRun{
		{ID: "run-1", TotalJobs: 2, CompletedJobs: 1},
	}}, recorder)

	out, err := reader.ActiveRuns(t.Context())
	if err != nil {
		t.Fatalf("active runs: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d runs, want 1", len(out))
	}
	if out[0].Status != runstate.DisplayQueued {
		t.Fatalf("got status %s, want QUEUED (not yet started)", out[0].Status)
	}
	if len(out[0].RecentEvents) != 1 {
		t.Fatalf("got %d recent events, want 1", len(out[0].RecentEvents))
	}
}
