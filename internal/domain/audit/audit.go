// Package audit defines the AuditLogEntry entity written by the
// append-only Audit Log (C9).
package audit

import "time"

type ActorType string

const (
	ActorAdmin  ActorType = "ADMIN"
	ActorUser   ActorType = "USER"
	ActorSystem ActorType = "SYSTEM"
)

// Action is the closed set of operations that get audited, drawn from
// the control-plane surface (§6) and the Policy Gate / Planner
// outcomes that must leave a trail even without an HTTP caller (§4.4,
// §4.5, §4.7).
type Action string

const (
	ActionPauseQueue       Action = "PAUSE_QUEUE"
	ActionResumeQueue      Action = "RESUME_QUEUE"
	ActionDrainQueue       Action = "DRAIN_QUEUE"
	ActionCleanQueue       Action = "CLEAN_QUEUE"
	ActionRetryFailed      Action = "RETRY_FAILED"
	ActionRetryJob         Action = "RETRY_JOB"
	ActionCancelJob        Action = "CANCEL_JOB"
	ActionAcknowledgeIncident Action = "ACKNOWLEDGE_INCIDENT"
	ActionResolveIncident  Action = "RESOLVE_INCIDENT"
	ActionRunSkipped       Action = "RUN_SKIPPED"
	ActionAutoSuspend      Action = "AUTO_SUSPEND"
)

// Entry is immutable once written; the Audit Log never updates or
// deletes a row (spec.md §4.9).
type Entry struct {
	ID            string
	ActorID       *string
	ActorType     ActorType
	EntityType    string
	EntityID      string
	Action        Action
	Reason        *string
	PreviousValue *string
	NewValue      *string
	IPAddress     *string
	CreatedAt     time.Time
}
