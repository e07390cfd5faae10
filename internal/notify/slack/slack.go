// Package slack posts incident updates to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier implements incident.Notifier against a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts the incident's current state to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(inc))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "incident_id", inc.ID, "status", string(inc.Status))
	return nil
}

func buildMessage(inc *incident.Incident) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s %s", inc.Severity, inc.Title),
		"attachments": []map[string]any{{
			"color":  severityColor(inc.Severity),
			"blocks": buildBlocks(inc),
		}},
	}
}

func buildBlocks(inc *incident.Incident) []map[string]any {
	return []map[string]any{
		headerBlock(inc),
		{"type": "divider"},
		fieldsBlock(inc),
		{"type": "divider"},
		bodyBlock(inc),
		{"type": "divider"},
		contextBlock(inc),
	}
}

func headerBlock(inc *incident.Incident) map[string]any {
	title := "Incident Opened"
	if inc.Status == incident.StatusClosed {
		title = "Postmortem Complete"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", severityEmoji(inc.Severity), title, inc.Title),
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	services := strings.Join(inc.AffectedServices, ", ")
	if services == "" {
		services = "unknown"
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Incident:* %s", inc.ID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", inc.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", inc.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Services:* %s", services)},
	}
	if len(inc.ActionItems) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Action items:* %d", len(inc.ActionItems)),
		})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func bodyBlock(inc *incident.Incident) map[string]any {
	heading, text := "Report", inc.Report
	if inc.Status == incident.StatusClosed && inc.Postmortem != "" {
		heading, text = "Postmortem", inc.Postmortem
	}
	text = truncate(text, maxBodyLen)
	if text == "" {
		text = "_No report available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n\n%s", heading, text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := inc.UpdatedAt
	if ts.IsZero() {
		ts = inc.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("aftermath • %s • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func severityEmoji(sev incident.Severity) string {
	switch sev {
	case incident.Sev1:
		return "\U0001f534" // red circle
	case incident.Sev2:
		return "\U0001f7e0" // orange circle
	case incident.Sev3:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func severityColor(sev incident.Severity) string {
	switch sev {
	case incident.Sev1:
		return "#d9534f"
	case incident.Sev2:
		return "#f0ad4e"
	case incident.Sev3:
		return "#5bc0de"
	default:
		return "#5cb85c"
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
