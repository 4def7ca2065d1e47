// Package monitor runs the scheduled log scan, drift and health cycle.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/health"
)

// Plane is the part of the control plane the monitor drives.
type Plane interface {
	ScanRuntimeLogs(ctx context.Context) controlplane.Result
	CheckDrift(ctx context.Context) controlplane.Result
	RunHealth(ctx context.Context, mode health.Mode) controlplane.Result
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
	Mode     health.Mode
}

// Cycle is the outcome of one scheduled run.
type Cycle struct {
	At     time.Time           `json:"at"`
	Logs   controlplane.Result `json:"logs"`
	Drift  controlplane.Result `json:"drift"`
	Health controlplane.Result `json:"health"`
}

// Monitor screens new runtime log lines, then runs drift detection and a
// health run on every tick. Log hits feed the defense threshold and critical
// health funnels into the kill switch through the aggregator.
type Monitor struct {
	cfg    Config
	plane  Plane
	logger zerolog.Logger

	mu     sync.Mutex
	last   *Cycle
	cycles int
}

// New creates a Monitor.
func New(cfg Config, plane Plane, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = health.ModeFull
	}
	return &Monitor{
		cfg:    cfg,
		plane:  plane,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// Run executes a cycle immediately and then on every interval. Blocks until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.cfg.Interval).Str("mode", string(m.cfg.Mode)).Msg("monitor started")
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes one log scan, drift and health cycle.
func (m *Monitor) RunOnce(ctx context.Context) Cycle {
	c := Cycle{At: time.Now().UTC()}

	c.Logs = m.plane.ScanRuntimeLogs(ctx)
	if !c.Logs.OK {
		m.logger.Warn().Str("error", c.Logs.Error).Msg("runtime log scan flagged input")
	}

	c.Drift = m.plane.CheckDrift(ctx)
	if !c.Drift.OK {
		m.logger.Warn().Str("error", c.Drift.Error).Msg("drift check failed")
	}

	c.Health = m.plane.RunHealth(ctx, m.cfg.Mode)
	if !c.Health.OK {
		m.logger.Error().Str("error", c.Health.Error).Msg("health run failed")
	}

	m.mu.Lock()
	m.last = &c
	m.cycles++
	m.mu.Unlock()
	return c
}

// Last returns the most recent cycle, or nil before the first run.
func (m *Monitor) Last() *Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Cycles returns the number of completed cycles.
func (m *Monitor) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}
