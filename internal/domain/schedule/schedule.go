// Package schedule defines the Schedule and ScheduleRun entities. A
// Schedule is owned entirely outside this core (template/content
// authoring is out of scope, §1); the core only reads the handful of
// fields it needs to materialize runs.
package schedule

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
)

// AdminStatus is the admin-approval axis the Policy Gate checks
// independently of Status (spec.md §4.5).
type AdminStatus string

const (
	AdminNeedsReview AdminStatus = "NEEDS_REVIEW"
	AdminApproved    AdminStatus = "APPROVED"
	AdminSuspended   AdminStatus = "SUSPENDED"
	AdminBanned      AdminStatus = "BANNED"
)

var ErrNotFound = errors.New("schedule: not found")

// Schedule is the read model the Planner and Policy Gate need. RunTime
// is "HH:MM" in Timezone; PostIntervalMin spaces sequential posts within
// one run (spec.md §4.4's postIntervalMinutes).
type Schedule struct {
	ID              string
	UserID          string
	CafeID          string
	BoardID         string
	TemplateID      string
	CafeName        string
	BoardName       string
	TemplateName    string
	ScheduleName    string
	Status          Status
	RunTime         string
	Timezone        string
	DailyPostCount      int
	PostIntervalMin     int
	MaxPostsPerDay      int
	UserEnabled         bool
	AdminStatus         AdminStatus
	ConsecutiveFailures int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// TriggeredBy values, an addition beyond spec.md §3's literal
// ScheduleRun attribute list: it distinguishes the two entry points
// §4.4 names ("a cron-like timer" vs "an administrator or the owner
// may trigger an out-of-band Run") without adding a new table.
const (
	TriggeredByScheduler = "SCHEDULER"
	TriggeredByRunNow    = "RUN_NOW"
)

// ScheduleRun is one materialization of a Schedule: spec.md §3/§4.4.
// At most one non-terminal Run exists per (scheduleId, runDate).
type ScheduleRun struct {
	ID            string
	ScheduleID    string
	UserID        string
	RunDate       string // calendar day, fixed zone, "2006-01-02"
	Status        RunStatus
	TriggeredBy   string
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	TriggeredAt   time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// ProcessedJobs is completedJobs + failedJobs, the quantity both the
// Planner's terminal check (§4.4) and the Run-state Reader's derived
// status (§4.10, internal/runstate) are computed from.
func (r ScheduleRun) ProcessedJobs() int {
	return r.CompletedJobs + r.FailedJobs
}

// IsTerminal reports whether every child job has reached a terminal
// state, per spec.md §4.4: "terminal when completedJobs + failedJobs
// = totalJobs". The stored status that follows is COMPLETED whenever
// failedJobs = 0, and still COMPLETED (with failedJobs > 0, i.e.
// "COMPLETED_PARTIAL") otherwise, unless every job failed.
func (r ScheduleRun) IsTerminal() bool {
	return r.ProcessedJobs() >= r.TotalJobs
}

// TerminalStatus computes the stored status once IsTerminal is true.
// Matches spec.md §4.4 literally: "COMPLETED if failedJobs = 0, else
// COMPLETED_PARTIAL surfaced as COMPLETED at the storage layer ...
// else FAILED if all failed".
func (r ScheduleRun) TerminalStatus() RunStatus {
	if r.FailedJobs == 0 {
		return RunStatusCompleted
	}
	if r.CompletedJobs == 0 {
		return RunStatusFailed
	}
	return RunStatusCompleted
}
