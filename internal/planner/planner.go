// Package planner implements the Schedule Planner / ScheduleRun
// materializer (C4): it ticks per calendar day, fans a due Schedule
// out into its day's CREATE_POST jobs, and keeps each ScheduleRun's
// counters current as those jobs complete, per spec.md §4.4.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postloop/core/internal/audit"
	auditdomain "github.com/postloop/core/internal/domain/audit"
	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/domain/schedule"
	"github.com/postloop/core/internal/policy"
	"github.com/postloop/core/internal/queue"
)

const dateLayout = "2006-01-02"

type SchedulesReader interface {
	DueAt(ctx context.Context, hhmm string) ([]schedule.Schedule, error)
	Get(ctx context.Context, id string) (schedule.Schedule, error)
}

// SchedulesWriter backs the auto-suspend side of the Policy Gate
// (spec.md §4.5): a schedule's consecutiveFailures counter lives on
// the relational Schedule row, not in the Gate itself.
type SchedulesWriter interface {
	RecordFailure(ctx context.Context, id string, threshold int) (suspended bool, err error)
	RecordSuccess(ctx context.Context, id string) error
}

type RunsStore interface {
	NonTerminalForToday(ctx context.Context, scheduleID, runDate string) (schedule.ScheduleRun, bool, error)
	Create(ctx context.Context, run schedule.ScheduleRun) (schedule.ScheduleRun, error)
	MarkStarted(ctx context.Context, id string) error
	BumpCompleted(ctx context.Context, id string) (schedule.ScheduleRun, error)
	BumpFailed(ctx context.Context, id string) (schedule.ScheduleRun, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts queue.EnqueueOptions) (*job.Job, error)
}

type Config struct {
	Zone *time.Location
}

// EventRecorder is satisfied by *runstate.Recorder; kept as a narrow
// interface here so this package never imports internal/runstate.
type EventRecorder interface {
	Record(runID string, index int, result string, errorCode *string, at time.Time)
}

type Planner struct {
	schedules      SchedulesReader
	schedulesWrite SchedulesWriter
	runs           RunsStore
	gate           *policy.Gate
	posts          Enqueuer
	audit          *audit.Log
	recorder       EventRecorder
	cfg            Config
}

func New(schedules SchedulesReader, schedulesWrite SchedulesWriter, runs RunsStore, gate *policy.Gate, posts Enqueuer, auditLog *audit.Log, recorder EventRecorder, cfg Config) *Planner {
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	return &Planner{
		schedules:      schedules,
		schedulesWrite: schedulesWrite,
		runs:           runs,
		gate:           gate,
		posts:          posts,
		audit:          auditLog,
		recorder:       recorder,
		cfg:            cfg,
	}
}

// Tick evaluates every Schedule whose configured runTime matches now
// in the planner's zone (spec.md §4.4: "a cron-like timer fires per
// calendar day and per Schedule at its configured runTime").
func (p *Planner) Tick(ctx context.Context, now time.Time) error {
	local := now.In(p.cfg.Zone)
	hhmm := local.Format("15:04")

	due, err := p.schedules.DueAt(ctx, hhmm)
	if err != nil {
		return fmt.Errorf("planner: list due schedules: %w", err)
	}

	for _, s := range due {
		if err := p.materialize(ctx, s, local, schedule.TriggeredByScheduler); err != nil {
			slog.Default().Error("planner.materialize_error", "schedule_id", s.ID, "err", err)
		}
	}
	return nil
}

// RunNow materializes a Schedule's day immediately, ignoring runTime,
// per spec.md §4.4's "Run-now" path.
func (p *Planner) RunNow(ctx context.Context, scheduleID string, now time.Time) error {
	s, err := p.schedules.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	return p.materialize(ctx, s, now.In(p.cfg.Zone), schedule.TriggeredByRunNow)
}

func (p *Planner) materialize(ctx context.Context, s schedule.Schedule, local time.Time, triggeredBy string) error {
	decision, err := p.gate.Evaluate(ctx, s)
	if err != nil {
		return fmt.Errorf("policy gate: %w", err)
	}
	if !decision.Allowed {
		p.audit.Write(ctx, audit.Record{
			ActorType:  auditdomain.ActorSystem,
			EntityType: "schedule",
			EntityID:   s.ID,
			Action:     auditdomain.ActionRunSkipped,
			Reason:     strPtr(string(decision.Block)),
		})
		return nil
	}

	runDate := local.Format(dateLayout)
	if _, exists, err := p.runs.NonTerminalForToday(ctx, s.ID, runDate); err != nil {
		return fmt.Errorf("check existing run: %w", err)
	} else if exists {
		return nil
	}

	n := s.DailyPostCount
	gap := time.Duration(s.PostIntervalMin) * time.Minute

	run, err := p.runs.Create(ctx, schedule.ScheduleRun{
		ID:          uuid.NewString(),
		ScheduleID:  s.ID,
		UserID:      s.UserID,
		RunDate:     runDate,
		TriggeredBy: triggeredBy,
		TotalJobs:   n,
		TriggeredAt: local,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	for i := 1; i <= n; i++ {
		seq := i
		payload, err := json.Marshal(job.CreatePostPayload{
			ScheduleID:      s.ID,
			TemplateID:      s.TemplateID,
			ScheduleName:    s.ScheduleName,
			TemplateName:    s.TemplateName,
			CafeName:        s.CafeName,
			BoardName:       s.BoardName,
			TotalExecutions: n,
		})
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}

		runID := run.ID
		userID := s.UserID
		if _, err := p.posts.Enqueue(ctx, job.TypeCreatePost, payload, queue.EnqueueOptions{
			Delay:          time.Duration(i-1) * gap,
			UserID:         &userID,
			ScheduleRunID:  &runID,
			SequenceNumber: &seq,
		}); err != nil {
			return fmt.Errorf("enqueue job %d/%d: %w", i, n, err)
		}
	}

	return nil
}

// OnJobActive is the workerpool.ActiveFunc this planner registers
// with the Worker Pool so a Run's startedAt is set on the first
// ACTIVE transition of any of its child jobs (spec.md §4.4), not on
// that job's eventual terminal outcome.
func (p *Planner) OnJobActive(ctx context.Context, j *job.Job) {
	if j.ScheduleRunID == nil {
		return
	}
	runID := *j.ScheduleRunID
	if err := p.runs.MarkStarted(ctx, runID); err != nil {
		slog.Default().Error("planner.mark_started_error", "run_id", runID, "err", err)
	}
}

// OnJobOutcome is the workerpool.ProgressFunc this planner registers
// with the Worker Pool so every CREATE_POST job's terminal outcome
// bumps its owning Run's counters (spec.md §4.4's "Run progress").
func (p *Planner) OnJobOutcome(ctx context.Context, j *job.Job, ok bool, errorCode job.ErrorCode, errorMessage string) {
	if j.ScheduleRunID == nil {
		return
	}
	runID := *j.ScheduleRunID

	var err error
	if ok {
		_, err = p.runs.BumpCompleted(ctx, runID)
	} else {
		_, err = p.runs.BumpFailed(ctx, runID)
	}
	if err != nil {
		slog.Default().Error("planner.bump_error", "run_id", runID, "job_id", j.ID, "err", err)
	}

	p.recordEvent(j, ok, errorCode)
	p.updateFailureCounter(ctx, j, ok)
}

func (p *Planner) recordEvent(j *job.Job, ok bool, errorCode job.ErrorCode) {
	if p.recorder == nil || j.ScheduleRunID == nil || j.SequenceNumber == nil {
		return
	}
	result := "FAILED"
	var code *string
	if ok {
		result = "COMPLETED"
	} else {
		c := string(errorCode)
		code = &c
	}
	p.recorder.Record(*j.ScheduleRunID, *j.SequenceNumber, result, code, time.Now().UTC())
}

// updateFailureCounter applies spec.md §4.5's auto-suspend policy: a
// successful job resets consecutiveFailures, a permanent failure
// increments it and may flip adminStatus to SUSPENDED.
func (p *Planner) updateFailureCounter(ctx context.Context, j *job.Job, ok bool) {
	if j.Type != job.TypeCreatePost {
		return
	}
	var payload job.CreatePostPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		slog.Default().Error("planner.payload_decode_error", "job_id", j.ID, "err", err)
		return
	}

	if ok {
		if err := p.schedulesWrite.RecordSuccess(ctx, payload.ScheduleID); err != nil {
			slog.Default().Error("planner.record_success_error", "schedule_id", payload.ScheduleID, "err", err)
		}
		return
	}

	suspended, err := p.schedulesWrite.RecordFailure(ctx, payload.ScheduleID, p.gate.Threshold())
	if err != nil {
		slog.Default().Error("planner.record_failure_error", "schedule_id", payload.ScheduleID, "err", err)
		return
	}
	if suspended {
		p.audit.Write(ctx, audit.Record{
			ActorType:  auditdomain.ActorSystem,
			EntityType: "schedule",
			EntityID:   payload.ScheduleID,
			Action:     auditdomain.ActionAutoSuspend,
		})
	}
}

func strPtr(s string) *string { return &s }
