package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "discord":
		return formatDiscord(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("shieldclaw: %s", event.EventType),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", event.Severity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Host:* %s", event.Host)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s", event.Actor)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatDiscord(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"name": "Severity", "value": orDash(event.Severity), "inline": true},
		map[string]any{"name": "Host", "value": orDash(event.Host), "inline": true},
		map[string]any{"name": "Actor", "value": orDash(event.Actor), "inline": true},
	}
	if event.Detail != "" {
		fields = append(fields, map[string]any{"name": "Detail", "value": truncate(event.Detail, 1000)})
	}
	payload := map[string]any{
		"username": "shieldclaw",
		"embeds": []any{
			map[string]any{
				"title":       fmt.Sprintf("shieldclaw: %s", event.EventType),
				"description": truncate(event.Reason, 2000),
				"color":       colorFor(event.Severity),
				"timestamp":   event.Timestamp,
				"fields":      fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := "info"
	switch event.Severity {
	case SeverityCritical:
		severity = "critical"
	case SeverityWarning:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.ID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("shieldclaw %s on %s: %s", event.EventType, event.Host, event.Reason),
			"severity": severity,
			"source":   "shieldclaw",
			"custom_details": map[string]any{
				"event_type": event.EventType,
				"actor":      event.Actor,
				"reason":     event.Reason,
				"detail":     event.Detail,
				"id":         event.ID,
			},
		},
	}
	return json.Marshal(payload)
}

func colorFor(severity string) int {
	switch severity {
	case SeverityCritical:
		return 0xE01E5A
	case SeverityWarning:
		return 0xECB22E
	default:
		return 0x36A64F
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
