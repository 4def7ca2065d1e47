// Package supervisor stops the protected runtime through its process
// supervisor when the kill switch engages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotConfigured is returned when neither a unit nor a stop command is set.
var ErrNotConfigured = errors.New("supervisor not configured")

// DefaultTimeout bounds a stop attempt.
const DefaultTimeout = 10 * time.Second

// Config selects how the runtime is stopped. Unit takes precedence over
// StopCommand.
type Config struct {
	Unit        string        `yaml:"unit"`
	StopCommand string        `yaml:"stop_command"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Supervisor stops the protected process.
type Supervisor struct {
	cfg Config
	run Runner
}

// New creates a Supervisor. A nil runner uses os/exec.
func New(cfg Config, run Runner) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if run == nil {
		run = execRunner
	}
	return &Supervisor{cfg: cfg, run: run}
}

// Configured reports whether a stop method is set.
func (s *Supervisor) Configured() bool {
	return s.cfg.Unit != "" || strings.TrimSpace(s.cfg.StopCommand) != ""
}

// Describe returns the stop action in human-readable form.
func (s *Supervisor) Describe() string {
	switch {
	case s.cfg.Unit != "":
		return "systemctl stop " + s.cfg.Unit
	case strings.TrimSpace(s.cfg.StopCommand) != "":
		return s.cfg.StopCommand
	default:
		return "none"
	}
}

// Stop runs the configured stop action within the timeout. The command is
// executed directly, never through a shell.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var name string
	var args []string
	if s.cfg.Unit != "" {
		name, args = "systemctl", []string{"stop", s.cfg.Unit}
	} else {
		fields := strings.Fields(s.cfg.StopCommand)
		name, args = fields[0], fields[1:]
	}

	out, err := s.run(ctx, name, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("supervisor: %s timed out after %s", s.Describe(), s.cfg.Timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("supervisor: %s: %w: %s", s.Describe(), err, msg)
		}
		return fmt.Errorf("supervisor: %s: %w", s.Describe(), err)
	}
	return nil
}
