// Package ratelimit counts events in fixed windows and reports when a
// configured ceiling is reached.
package ratelimit

import (
	"fmt"
	"time"
)

// Limit caps the number of events per window. Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window"       json:"window"`
}

// Enabled reports whether the limit constrains anything.
func (l *Limit) Enabled() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Key      string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against limit.
func Check(count int, limit *Limit) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d events in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{}
}
