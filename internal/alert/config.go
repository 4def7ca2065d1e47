// Package alert fans incident records out to webhook endpoints.
package alert

import (
	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/ratelimit"
	"github.com/ppiankov/shieldclaw/internal/redact"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "discord", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // incident event types, or "*"
	Headers map[string]string `yaml:"headers" json:"headers"`
	Redact  redact.Mode       `yaml:"redact"  json:"redact"` // "auto" (default), "always", "never"

	// RateLimit caps alerts per event type. Kill switch transitions are
	// never throttled.
	RateLimit *ratelimit.Limit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// Severity labels used by the chat and paging formats.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	Actor     string `json:"actor"`
	Host      string `json:"host"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// SeverityFor maps an incident type to an alert severity.
func SeverityFor(et model.EventType) string {
	switch et {
	case model.EventKillSwitchActivated, model.EventHealthCritical, model.EventInjectionDetected:
		return SeverityCritical
	case model.EventDriftDetected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EventFromRecord builds the alert payload for an incident.
func EventFromRecord(rec model.IncidentRecord) AlertEvent {
	return AlertEvent{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		EventType: string(rec.EventType),
		Severity:  SeverityFor(rec.EventType),
		Actor:     rec.Actor,
		Host:      rec.Host,
		Reason:    rec.Reason,
		Detail:    rec.Detail,
	}
}

// scrubbed returns event with credentials and host identifiers removed
// from its free-text fields.
func (e AlertEvent) scrubbed() AlertEvent {
	e.Reason = redact.Text(e.Reason)
	e.Detail = redact.Text(e.Detail)
	return e
}
