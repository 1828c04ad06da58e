// Package snapshot defines the QueueStatsSnapshot value type written
// by the Snapshot Collector (C6) and read by the Incident Detector
// (C7) and the Control Plane (C8).
package snapshot

import "time"

// QueueStatsSnapshot is one immutable point-in-time read of a single
// queue's counters, taken every tick (spec.md §3, §4.6). JobsPerMin
// is nil for the very first sample of a queue (no prior to diff
// against). Clamped records whether JobsPerMin had to be floored to 0
// this tick (spec.md §9's Open Question decision: persist the clamp
// rather than leave a silent zero indistinguishable from real idle).
type QueueStatsSnapshot struct {
	ID            string
	QueueName     string
	Waiting       int
	Active        int
	Delayed       int
	Completed     int
	Failed        int
	Paused        bool
	JobsPerMin    *float64
	Clamped       bool
	OnlineWorkers int
	Timestamp     time.Time
}
