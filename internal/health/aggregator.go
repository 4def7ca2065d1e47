package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/model"
)

// CriticalFunc is invoked for a critical report. It is wired to the kill
// switch's Activate.
type CriticalFunc func(ctx context.Context, reason string) error

// Aggregator runs a registry, journals critical reports and forwards them
// to the kill switch.
type Aggregator struct {
	registry   *Registry
	journal    *audit.Log
	onCritical CriticalFunc
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewAggregator creates an Aggregator. journal and onCritical may be nil.
func NewAggregator(reg *Registry, journal *audit.Log, onCritical CriticalFunc, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry:   reg,
		journal:    journal,
		onCritical: onCritical,
		timeout:    DefaultTimeout,
		logger:     logger.With().Str("component", "health").Logger(),
	}
}

// SetTimeout overrides the per-check timeout.
func (a *Aggregator) SetTimeout(d time.Duration) {
	a.timeout = d
}

// Run executes the checks for mode. A critical tier appends health_critical
// and invokes onCritical, unless the report already shows the kill switch
// locked.
func (a *Aggregator) Run(ctx context.Context, mode Mode) Report {
	rep := RunChecks(ctx, a.registry.ForMode(mode), a.timeout)
	pass, warn, fail := rep.Counts()
	a.logger.Info().
		Str("mode", string(mode)).
		Int("score", rep.Score).
		Str("tier", string(rep.Tier)).
		Int("pass", pass).
		Int("warn", warn).
		Int("fail", fail).
		Bool("locked", rep.Locked).
		Msg("health run complete")

	if rep.Tier != model.TierCritical || rep.Locked {
		return rep
	}

	reason := fmt.Sprintf("health_critical: score %d", rep.Score)
	if a.journal != nil {
		if _, err := a.journal.Record(model.IncidentRecord{
			EventType: model.EventHealthCritical,
			Actor:     "health",
			Reason:    reason,
			Detail:    failedDetail(rep),
		}); err != nil {
			a.logger.Error().Err(err).Msg("journal append failed")
		}
	}
	if a.onCritical != nil {
		if err := a.onCritical(ctx, reason); err != nil {
			a.logger.Error().Err(err).Msg("critical health activation failed")
		}
	}
	return rep
}

func failedDetail(rep Report) string {
	out := ""
	for _, r := range rep.Results {
		if r.Status != model.StatusFail {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += r.Name + ": " + r.Detail
	}
	return out
}
