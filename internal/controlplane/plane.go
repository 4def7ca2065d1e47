// Package controlplane wires the defense engine, drift detector, health
// aggregator and kill switch around one incident journal and exposes the
// command surface used by the CLI, the MCP server and the monitor.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/alert"
	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/bus"
	"github.com/ppiankov/shieldclaw/internal/config"
	"github.com/ppiankov/shieldclaw/internal/credential"
	"github.com/ppiankov/shieldclaw/internal/defense"
	"github.com/ppiankov/shieldclaw/internal/health"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/killswitch"
	"github.com/ppiankov/shieldclaw/internal/observability/otel"
	"github.com/ppiankov/shieldclaw/internal/policy"
	"github.com/ppiankov/shieldclaw/internal/supervisor"
)

// Plane owns every component of one deployment's control plane.
type Plane struct {
	cfg    *config.Config
	logger zerolog.Logger
	tracer *otel.Handle

	journal    *audit.Log
	alerts     *alert.Dispatcher
	bus        *bus.Bus
	holder     *policy.Holder
	threshold  *defense.Threshold
	engine     *defense.Engine
	logs       *defense.LogScanner
	store      integrity.Store
	detector   *integrity.Detector
	creds      *credential.Registry
	supervisor *supervisor.Supervisor
	kill       *killswitch.Switch
	health     *health.Aggregator
}

type options struct {
	logger    zerolog.Logger
	tracer    *otel.Handle
	runner    supervisor.Runner
	selfCheck bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the parent logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracer sets the span source. The default is the global provider.
func WithTracer(h *otel.Handle) Option { return func(o *options) { o.tracer = h } }

// WithRunner replaces the command runner used to stop the agent runtime.
func WithRunner(r supervisor.Runner) Option { return func(o *options) { o.runner = r } }

// WithSelfCheck adds the binary checksum health check.
func WithSelfCheck(on bool) Option { return func(o *options) { o.selfCheck = on } }

// Open builds a Plane from cfg. A policy that fails to load does not fail
// Open: the holder stays empty and evaluation fails closed.
func Open(cfg *config.Config, opts ...Option) (*Plane, error) {
	o := options{logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Noop()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	p := &Plane{
		cfg:    cfg,
		logger: o.logger.With().Str("component", "controlplane").Logger(),
		tracer: o.tracer,
	}

	journal, err := audit.Open(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	journal.SetLogger(o.logger)
	p.journal = journal

	if d := alert.NewDispatcher(cfg.Alerts, o.logger); d != nil {
		p.alerts = d
		journal.AddSink(d)
	}
	if cfg.Bus.Enabled {
		b, err := bus.Open(cfg.Bus, o.logger)
		if err != nil {
			p.logger.Warn().Err(err).Msg("incident bus unavailable; continuing without it")
		} else {
			p.bus = b
			journal.AddSink(b)
		}
	}

	p.holder = policy.NewHolder(nil)
	if _, err := p.holder.Reload(cfg.PolicyPath); err != nil {
		p.logger.Warn().Err(err).Str("path", cfg.PolicyPath).Msg("policy not loaded; evaluation fails closed")
	}

	p.creds = credential.NewRegistry(cfg.CredentialsPath)
	p.supervisor = supervisor.New(cfg.Supervisor, o.runner)

	ksOpts := []killswitch.Option{
		killswitch.WithJournal(journal),
		killswitch.WithLogger(o.logger),
	}
	if p.supervisor.Configured() {
		ksOpts = append(ksOpts, killswitch.WithStopper(p.supervisor))
	}
	if cfg.Credential.Name != "" {
		ksOpts = append(ksOpts, killswitch.WithCredentials(p.creds))
	}
	p.kill, err = killswitch.New(killswitch.Config{
		StateDir:       cfg.StateDir,
		CredentialName: cfg.Credential.Name,
		StepTimeout:    cfg.Supervisor.Timeout,
	}, ksOpts...)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.threshold = defense.NewThreshold(cfg.Threshold.Count, cfg.Threshold.Window, p.trigger("defense"))
	p.engine = defense.NewEngine(p.holder,
		defense.WithJournal(journal),
		defense.WithThreshold(p.threshold),
		defense.WithLogger(o.logger),
	)
	if len(cfg.RuntimeLogs) > 0 {
		p.logs = defense.NewLogScanner(p.engine, absAll(cfg.RuntimeLogs), o.logger)
	}

	store, err := integrity.OpenSQLite(cfg.BaselineDB)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open baseline store: %w", err)
	}
	p.store = store
	p.detector = integrity.NewDetector(store,
		integrity.WithJournal(journal),
		integrity.WithLogger(o.logger),
	)

	rules, err := health.NewRuleEngine()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	deps := health.Deps{
		Holder:         p.holder,
		Rules:          rules,
		KillSwitch:     p.kill,
		JournalPath:    cfg.JournalPath,
		Detector:       p.detector,
		SensitiveFiles: cfg.SensitiveFiles,
		SelfCheck:      o.selfCheck,
	}
	if cfg.Credential.Name != "" {
		deps.Credentials = p.creds
		deps.CredentialName = cfg.Credential.Name
	}
	p.health = health.NewAggregator(health.Builtins(deps), journal, p.trigger("health"), o.logger)

	return p, nil
}

// trigger returns the automatic activation path shared by the defense
// threshold and critical health.
func (p *Plane) trigger(actor string) func(ctx context.Context, reason string) error {
	return func(ctx context.Context, reason string) error {
		res, err := p.kill.Activate(ctx, killswitch.ActivateRequest{Reason: reason, Actor: actor})
		if err == nil && !res.AlreadyLocked {
			p.logger.Error().Str("actor", actor).Str("reason", reason).Msg("automatic kill switch activation")
		}
		return err
	}
}

// Config returns the configuration the plane was opened with.
func (p *Plane) Config() *config.Config { return p.cfg }

// Holder returns the policy snapshot holder.
func (p *Plane) Holder() *policy.Holder { return p.holder }

// KillSwitch returns the kill switch.
func (p *Plane) KillSwitch() *killswitch.Switch { return p.kill }

// Detector returns the drift detector.
func (p *Plane) Detector() *integrity.Detector { return p.detector }

// Logger returns the plane's logger.
func (p *Plane) Logger() zerolog.Logger { return p.logger }

// Bus returns the incident bus, or nil when disabled.
func (p *Plane) Bus() *bus.Bus { return p.bus }

// NewReloader watches the policy file and swaps the holder's snapshot.
func (p *Plane) NewReloader() (*policy.Reloader, error) {
	return policy.NewReloader(p.holder, p.cfg.PolicyPath, p.logger)
}

// Close flushes pending alerts and releases stores.
func (p *Plane) Close() error {
	var errs []error
	if p.alerts != nil {
		p.alerts.Wait()
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.journal != nil {
		errs = append(errs, p.journal.Close())
	}
	if p.bus != nil {
		errs = append(errs, p.bus.Close())
	}
	return errors.Join(errs...)
}
