// Package incident defines the Incident entity opened and maintained
// by the Incident Detector (C7).
package incident

import "time"

// Type is the closed set from spec.md §3. SLOW_PROCESSING is part of
// the data model but no rule in §4.7's minimum rule set emits it yet
// (see DESIGN.md).
type Type string

const (
	TypeQueueBacklog     Type = "QUEUE_BACKLOG"
	TypeHighFailureRate  Type = "HIGH_FAILURE_RATE"
	TypeWorkerDown       Type = "WORKER_DOWN"
	TypeSlowProcessing   Type = "SLOW_PROCESSING"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Incident is de-duplicated on (Type, QueueName) by the detector: a
// condition that is already open is updated in place, never reopened
// as a second row.
type Incident struct {
	ID                string
	Type              Type
	Severity          Severity
	QueueName         string
	Title             string
	Description       string
	RecommendedAction string
	AffectedJobs      int
	Status            Status
	StartedAt         time.Time
	ResolvedAt        *time.Time
	ResolvedBy        *string
}

func (i Incident) IsOpen() bool { return i.Status != StatusResolved }
