package model

import "time"

// Category classifies what a PatternRule is trying to catch.
type Category string

const (
	CatOverride         Category = "override"
	CatRoleManipulation Category = "role-manipulation"
	CatContextPoisoning Category = "context-poisoning"
	CatEncoding         Category = "encoding"
	CatExfiltration     Category = "exfiltration"
)

// ValidCategory reports whether c is one of the known rule categories.
func ValidCategory(c Category) bool {
	switch c {
	case CatOverride, CatRoleManipulation, CatContextPoisoning, CatEncoding, CatExfiltration:
		return true
	}
	return false
}

// Severity ranks PatternRule matches. Unknown values rank below low.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// SevRank maps severity to a comparable integer.
var SevRank = map[Severity]int{
	SevLow:      1,
	SevMedium:   2,
	SevHigh:     3,
	SevCritical: 4,
}

// Rank returns the comparable rank of s (0 for unknown).
func (s Severity) Rank() int {
	return SevRank[s]
}

// PatternRule is one injection signature from the policy document.
type PatternRule struct {
	ID       string   `yaml:"id"       json:"id"`
	Pattern  string   `yaml:"pattern"  json:"pattern"`
	Regex    bool     `yaml:"regex"    json:"regex,omitempty"`
	Category Category `yaml:"category" json:"category"`
	Severity Severity `yaml:"severity" json:"severity"`
}

// Verdict reasons.
const (
	ReasonAllowed            = "allowed"
	ReasonLengthExceeded     = "length_exceeded"
	ReasonPolicyUnavailable  = "policy_unavailable"
	ReasonObfuscation        = "obfuscation_detected"
	ReasonPatternPrefix      = "pattern_matched:"
	ReasonEncodedPatternPref = "encoded_pattern_matched:"
)

// Obfuscation flags attached to a Verdict.
const (
	FlagZeroWidth    = "zero_width"
	FlagNonPrintable = "non_printable"
	FlagDecodedMatch = "decoded_match"
)

// Verdict is the result of evaluating one input. MatchedRules lists every
// matching rule id in policy order; Category and Severity belong to the
// highest-severity match.
type Verdict struct {
	Allowed       bool     `json:"allowed"`
	MatchedRules  []string `json:"matched_rules"`
	Reason        string   `json:"reason"`
	Category      Category `json:"category,omitempty"`
	Severity      Severity `json:"severity,omitempty"`
	Flags         []string `json:"flags,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

// HasFlag reports whether the verdict carries the given obfuscation flag.
func (v Verdict) HasFlag(flag string) bool {
	for _, f := range v.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Critical reports whether the verdict rejected a critical-severity match.
func (v Verdict) Critical() bool {
	return !v.Allowed && v.Severity == SevCritical
}

// EventType classifies an IncidentRecord.
type EventType string

const (
	EventInjectionDetected   EventType = "injection_detected"
	EventDriftDetected       EventType = "drift_detected"
	EventBaselineCaptured    EventType = "baseline_captured"
	EventKillSwitchActivated EventType = "killswitch_activated"
	EventKillSwitchUnlocked  EventType = "killswitch_unlocked"
	EventHealthCritical      EventType = "health_critical"
)

// IncidentRecord is one line in the incident journal. Fields are plain
// strings so json.Marshal output is deterministic for hash chaining.
type IncidentRecord struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"ts"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor"`
	Host      string    `json:"host"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	PrevHash  string    `json:"prev_hash"`
}

// TimestampFormat is the layout used for all persisted timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time formatted with TimestampFormat.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// KillSwitchState is the binary run/lock state of the deployment.
type KillSwitchState string

const (
	Operational KillSwitchState = "OPERATIONAL"
	Locked      KillSwitchState = "LOCKED"
)

// HealthStatus is the outcome of one health check.
type HealthStatus string

const (
	StatusPass HealthStatus = "pass"
	StatusWarn HealthStatus = "warn"
	StatusFail HealthStatus = "fail"
)

// Tier is the coarse health classification derived from the score.
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierAttention Tier = "attention"
	TierCritical  Tier = "critical"
)

// TierFor maps a 0..100 score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 70:
		return TierGood
	case score >= 50:
		return TierAttention
	default:
		return TierCritical
	}
}
