// Package killswitch implements the binary OPERATIONAL/LOCKED state machine.
// The durable marker file is the state: it exists if and only if the
// deployment is locked.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/lockfile"
	"github.com/ppiankov/shieldclaw/internal/model"
)

var (
	// ErrStateConflict is returned when the marker is being mutated by
	// another caller and the retry also failed.
	ErrStateConflict = errors.New("kill switch state conflict")
	// ErrConfirmationRequired is returned by Unlock without confirmation.
	ErrConfirmationRequired = errors.New("unlock requires explicit confirmation")
)

const (
	// MarkerName is the marker file name inside the state directory.
	MarkerName = "killswitch.lock"

	// DefaultStepTimeout bounds each external side effect of Activate.
	DefaultStepTimeout = 10 * time.Second

	guardStaleAfter = 30 * time.Second
	retryBackoff    = 100 * time.Millisecond
)

// NetworkGuidance is surfaced on activation. Firewall changes depend on
// the environment and are left to the operator.
var NetworkGuidance = []string{
	"block egress from the runtime host or container (e.g. iptables -I OUTPUT -m owner --uid-owner <runtime-user> -j REJECT)",
	"revoke the provider API key at the provider if compromise is suspected",
	"keep the host isolated until the incident journal has been reviewed (shieldclaw journal tail)",
}

// Stopper stops the protected process.
type Stopper interface {
	Stop(ctx context.Context) error
	Describe() string
}

// CredentialStore toggles the outbound credential.
type CredentialStore interface {
	Deactivate(name, reason string) error
	Activate(name string) error
}

// Config configures a Switch.
type Config struct {
	StateDir       string
	CredentialName string
	StepTimeout    time.Duration
}

// Switch guards the marker with a process mutex and an advisory guard file
// so concurrent callers in other processes are serialised too.
type Switch struct {
	marker   string
	guard    string
	credName string
	timeout  time.Duration

	journal *audit.Log
	stopper Stopper
	creds   CredentialStore
	logger  zerolog.Logger
	host    string

	mu        sync.Mutex
	listeners []func(model.KillSwitchState)
}

// Option configures a Switch.
type Option func(*Switch)

// WithJournal records transitions to j.
func WithJournal(j *audit.Log) Option { return func(s *Switch) { s.journal = j } }

// WithStopper stops the runtime on activation.
func WithStopper(st Stopper) Option { return func(s *Switch) { s.stopper = st } }

// WithCredentials disables the configured credential on activation.
func WithCredentials(c CredentialStore) Option { return func(s *Switch) { s.creds = c } }

// WithLogger sets the switch logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Switch) { s.logger = l.With().Str("component", "killswitch").Logger() }
}

// New creates a Switch rooted at cfg.StateDir.
func New(cfg Config, opts ...Option) (*Switch, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("killswitch: state directory required")
	}
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("killswitch: create state directory: %w", err)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	marker := filepath.Join(cfg.StateDir, MarkerName)
	host, _ := os.Hostname()
	s := &Switch{
		marker:   marker,
		guard:    marker + ".guard",
		credName: cfg.CredentialName,
		timeout:  cfg.StepTimeout,
		logger:   zerolog.Nop(),
		host:     host,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// MarkerPath returns the marker location.
func (s *Switch) MarkerPath() string {
	return s.marker
}

// Status reads the marker on every call. Any error other than "does not
// exist" is reported as LOCKED.
func (s *Switch) Status() model.KillSwitchState {
	_, err := os.Stat(s.marker)
	if err != nil && os.IsNotExist(err) {
		return model.Operational
	}
	return model.Locked
}

// Marker returns the marker's human-readable content, or "" when unlocked.
func (s *Switch) Marker() string {
	data, err := os.ReadFile(s.marker)
	if err != nil {
		return ""
	}
	return string(data)
}

// OnChange registers fn to be called after every transition.
func (s *Switch) OnChange(fn func(model.KillSwitchState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Switch) notify(state model.KillSwitchState) {
	for _, fn := range s.listeners {
		fn(state)
	}
}

// acquire takes the cross-process guard. A guard older than
// guardStaleAfter is treated as abandoned. One retry after retryBackoff.
func (s *Switch) acquire() (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		g, err := lockfile.TryAcquire(s.guard, guardStaleAfter)
		if err == nil {
			if g.ReplacedStale() {
				s.logger.Warn().Str("guard", s.guard).Msg("replaced stale guard")
			}
			return func() {
				if err := g.Release(); err != nil {
					s.logger.Warn().Err(err).Str("guard", s.guard).Msg("guard release")
				}
			}, nil
		}
		if !errors.Is(err, lockfile.ErrHeld) {
			return nil, fmt.Errorf("killswitch: guard: %w", err)
		}
		if attempt == 0 {
			time.Sleep(retryBackoff)
		}
	}
	return nil, ErrStateConflict
}

func (s *Switch) record(rec model.IncidentRecord) error {
	if s.journal == nil {
		return nil
	}
	_, err := s.journal.Record(rec)
	return err
}

// withTimeout runs fn in its own goroutine and gives up after d.
func withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s", d)
	}
}

func markerContent(req ActivateRequest, host string) string {
	var b strings.Builder
	b.WriteString("shieldclaw kill switch ENGAGED\n")
	fmt.Fprintf(&b, "time:   %s\n", model.Now())
	fmt.Fprintf(&b, "actor:  %s\n", req.Actor)
	fmt.Fprintf(&b, "host:   %s\n", host)
	fmt.Fprintf(&b, "reason: %s\n", req.Reason)
	if req.Detail != "" {
		fmt.Fprintf(&b, "detail: %s\n", req.Detail)
	}
	b.WriteString("unlock: shieldclaw unlock --confirm\n")
	return b.String()
}
