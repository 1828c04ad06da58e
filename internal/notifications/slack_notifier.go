package notifications

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/postloop/core/internal/domain/incident"
)

// SlackNotifier posts an incident as a formatted message to a single
// configured channel, using the teacher's attachment-based style for
// provider payloads (see observability's structured log fields for the
// same "one call, several named attributes" shape).
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

func NewSlackNotifier(token, channelID string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channelID: channelID}
}

func (n *SlackNotifier) NotifyIncident(ctx context.Context, i incident.Incident) error {
	attachment := slack.Attachment{
		Color: severityColor(i.Severity),
		Title: fmt.Sprintf("[%s] %s", i.Severity, i.Title),
		Text:  i.Description,
		Fields: []slack.AttachmentField{
			{Title: "Queue", Value: i.QueueName, Short: true},
			{Title: "Affected jobs", Value: fmt.Sprintf("%d", i.AffectedJobs), Short: true},
			{Title: "Recommended action", Value: i.RecommendedAction},
		},
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fmt.Sprintf("Incident opened: %s", i.Title), false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("slack: post incident message: %w", err)
	}
	return nil
}

func severityColor(s incident.Severity) string {
	switch s {
	case incident.SeverityCritical:
		return "danger"
	case incident.SeverityHigh:
		return "warning"
	case incident.SeverityMedium:
		return "#e8b339"
	default:
		return "#cccccc"
	}
}
