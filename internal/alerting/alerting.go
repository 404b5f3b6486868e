// Package alerting sends a notification when a pipeline run fails. Failures are never
// handled here: Wrap reports the error and returns it unchanged, leaving the restart
// to the operator.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
)

// Severity of an alert
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is a single notification
type Alert struct {
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Channel delivers alerts
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *logrus.Logger
}

// NewLogChannel creates a channel logging at error level
func NewLogChannel(logger *logrus.Logger) *LogChannel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, alert *Alert) error {
	fields := logrus.Fields{"severity": alert.Severity, "alert": alert.Summary}
	for k, v := range alert.Labels {
		fields[k] = v
	}
	l.logger.WithFields(fields).Error(alert.Description)
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	color := "good"
	switch alert.Severity {
	case SeverityCritical:
		color = "danger"
	case SeverityWarning:
		color = "warning"
	}

	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
	}
	for k, v := range alert.Labels {
		fields = append(fields, map[string]interface{}{"title": k, "value": v, "short": true})
	}
	payload := map[string]interface{}{
		"channel":    s.channel,
		"username":   s.username,
		"icon_emoji": ":warning:",
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     alert.Summary,
				"text":      alert.Description,
				"timestamp": alert.CreatedAt.Unix(),
				"fields":    fields,
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier fans an alert out to every channel. Delivery failures are logged.
type Notifier struct {
	channels []Channel
	logger   *logrus.Logger
}

// NewNotifier creates a notifier over channels
func NewNotifier(logger *logrus.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{channels: channels, logger: logger}
}

// FromConfig always logs alerts and also posts them to Slack when a webhook is set
func FromConfig(cfg domain.AlertingConfig, logger *logrus.Logger) *Notifier {
	channels := []Channel{NewLogChannel(logger)}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.SlackWebhookURL, cfg.Channel, cfg.Username))
	}
	return NewNotifier(logger, channels...)
}

// Notify sends the alert on every channel
func (n *Notifier) Notify(ctx context.Context, alert *Alert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	for _, ch := range n.channels {
		if err := ch.Send(ctx, alert); err != nil {
			n.logger.WithError(err).WithField("channel", ch.Name()).Warn("Failed to deliver alert")
		}
	}
}

// Wrap runs fn and, when it fails, sends a critical alert naming the run before
// returning fn's error unchanged. A panic is reported and then re-raised.
func (n *Notifier) Wrap(ctx context.Context, run string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n.Notify(ctx, &Alert{
				Summary:     fmt.Sprintf("%s crashed", run),
				Description: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				Severity:    SeverityCritical,
				Labels:      map[string]string{"run": run},
			})
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		n.Notify(ctx, &Alert{
			Summary:     fmt.Sprintf("%s failed", run),
			Description: err.Error(),
			Severity:    SeverityCritical,
			Labels:      map[string]string{"run": run},
		})
	}
	return err
}
