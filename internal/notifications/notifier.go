package notifications

import (
	"context"

	"github.com/postloop/core/internal/domain/incident"
)

// Notifier pages out when the Incident Detector (C7) opens a new
// incident. spec.md §4.7 only requires CRITICAL-severity incidents to
// page; callers decide that, not the Notifier implementations here.
type Notifier interface {
	NotifyIncident(ctx context.Context, i incident.Incident) error
}
