package notifications

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/postloop/core/internal/domain/incident"
)

// LogNotifier is the zero-configuration fallback: it writes the page
// to the process log instead of an external channel. Wired in unless
// both a Slack token and a Slack channel ID are configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) NotifyIncident(ctx context.Context, i incident.Incident) error {
	if msStr := os.Getenv("NOTIFIER_SLEEP_MS"); msStr != "" {
		ms, _ := strconv.Atoi(msStr)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return fmt.Errorf("provider down (simulated)")
	}

	log.Printf("notification.incident id=%s type=%s severity=%s queue=%s title=%q",
		i.ID, i.Type, i.Severity, i.QueueName, i.Title,
	)
	return nil
}
