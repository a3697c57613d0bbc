package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// previewLen caps the payload preview included in critical alerts.
const previewLen = 200

// CriticalAlert is the payload published to alerts.critical.
type CriticalAlert struct {
	Source          string `json:"source"`
	OriginalSubject string `json:"original_subject"`
	Preview         string `json:"preview"`
	Timestamp       string `json:"timestamp"`
}

// AlertNotifier raises critical alerts over NATS and, when configured,
// mirrors them to a Slack channel.
type AlertNotifier struct {
	core    CorePublisher
	slack   *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewAlertNotifier creates an AlertNotifier. If botToken is empty, Slack
// mirroring is disabled.
func NewAlertNotifier(core CorePublisher, botToken, channel string, logger *slog.Logger) *AlertNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &AlertNotifier{core: core, slack: client, channel: channel, logger: logger}
}

// Preview truncates a payload to the alert preview length.
func Preview(payload []byte) string {
	s := string(payload)
	if len(s) > previewLen {
		return s[:previewLen]
	}
	return s
}

// Critical publishes a critical alert for a failed message on originalSubject.
func (n *AlertNotifier) Critical(ctx context.Context, source, originalSubject string, payload []byte) {
	alert := CriticalAlert{
		Source:          source,
		OriginalSubject: originalSubject,
		Preview:         Preview(payload),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(alert)
	if err != nil {
		n.logger.Error("marshalling critical alert", "error", err)
		return
	}

	if err := n.core.PublishMsg(natsMsg(AlertsCriticalSubject, data)); err != nil {
		n.logger.Error("publishing critical alert", "error", err, "subject", originalSubject)
	}

	if n.slack != nil && n.channel != "" {
		_, _, err := n.slack.PostMessageContext(ctx, n.channel,
			goslack.MsgOptionText(
				":rotating_light: DLQ escalation failure on `"+originalSubject+"`\n```"+alert.Preview+"```",
				false,
			),
		)
		if err != nil {
			n.logger.Error("posting critical alert to slack", "error", err)
		}
	}
}
