// Package config loads the control-plane configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shieldclaw/internal/alert"
	"github.com/ppiankov/shieldclaw/internal/bus"
	"github.com/ppiankov/shieldclaw/internal/defense"
	"github.com/ppiankov/shieldclaw/internal/logging"
	"github.com/ppiankov/shieldclaw/internal/observability/otel"
	"github.com/ppiankov/shieldclaw/internal/supervisor"
)

// Environment overrides.
const (
	EnvConfig          = "SHIELDCLAW_CONFIG"
	EnvStateDir        = "SHIELDCLAW_STATE_DIR"
	EnvPolicy          = "SHIELDCLAW_POLICY"
	EnvDB              = "SHIELDCLAW_DB"
	EnvMonitorInterval = "SHIELDCLAW_MONITOR_INTERVAL"
	EnvLogLevel        = "SHIELDCLAW_LOG_LEVEL"
)

// DefaultMonitorInterval is the scheduled drift and health cadence.
const DefaultMonitorInterval = 60 * time.Second

// Config is the control-plane configuration.
type Config struct {
	StateDir         string              `yaml:"state_dir"`
	PolicyPath       string              `yaml:"policy_path"`
	CredentialsPath  string              `yaml:"credentials_path"`
	JournalPath      string              `yaml:"journal_path"`
	BaselineDB       string              `yaml:"baseline_db"`
	WatchedArtifacts []string            `yaml:"watched_artifacts"`
	SensitiveFiles   []string            `yaml:"sensitive_files"`
	RuntimeLogs      []string            `yaml:"runtime_logs"`
	Monitor          MonitorConfig       `yaml:"monitor"`
	Threshold        ThresholdConfig     `yaml:"threshold"`
	Supervisor       supervisor.Config   `yaml:"supervisor"`
	Credential       CredentialConfig    `yaml:"credential"`
	Bus              bus.Config          `yaml:"bus"`
	OTel             otel.Config         `yaml:"otel"`
	Logging          logging.Config      `yaml:"logging"`
	GRPC             GRPCConfig          `yaml:"grpc"`
	Alerts           []alert.AlertConfig `yaml:"alerts"`
}

// MonitorConfig holds scheduled run settings.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ThresholdConfig holds the defense trigger window.
type ThresholdConfig struct {
	Count  int           `yaml:"count"`
	Window time.Duration `yaml:"window"`
}

// CredentialConfig names the credential the kill switch disables.
type CredentialConfig struct {
	Name string `yaml:"name"`
}

// GRPCConfig holds the health service listener.
type GRPCConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultStateDir returns ~/.shieldclaw.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shieldclaw")
	}
	return filepath.Join(home, ".shieldclaw")
}

// DefaultPath returns the config file location, honouring SHIELDCLAW_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(DefaultStateDir(), "shieldclaw.yaml")
}

// Default returns the zero-config configuration.
func Default() *Config {
	return &Config{
		Monitor:    MonitorConfig{Interval: DefaultMonitorInterval},
		Threshold:  ThresholdConfig{Count: defense.DefaultThresholdCount, Window: defense.DefaultThresholdWindow},
		Supervisor: supervisor.Config{Timeout: supervisor.DefaultTimeout},
		Credential: CredentialConfig{Name: "runtime"},
		Bus:        bus.Config{Port: 4222},
		OTel:       otel.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
		GRPC:       GRPCConfig{Listen: "127.0.0.1:7443"},
	}
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies environment overrides and derives unset paths.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.derive()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvPolicy); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.BaselineDB = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvMonitorInterval); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMonitorInterval, err)
		}
		c.Monitor.Interval = d
	}
	return nil
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

func (c *Config) derive() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.PolicyPath == "" {
		c.PolicyPath = filepath.Join(c.StateDir, "policy.yaml")
	}
	if c.CredentialsPath == "" {
		c.CredentialsPath = filepath.Join(c.StateDir, "credentials.yaml")
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.StateDir, "incidents.jsonl")
	}
	if c.BaselineDB == "" {
		c.BaselineDB = filepath.Join(c.StateDir, "baseline.db")
	}
	if c.Bus.DataDir == "" {
		c.Bus.DataDir = filepath.Join(c.StateDir, "nats")
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = DefaultMonitorInterval
	}
	if c.Threshold.Count <= 0 {
		c.Threshold.Count = defense.DefaultThresholdCount
	}
	if c.Threshold.Window <= 0 {
		c.Threshold.Window = defense.DefaultThresholdWindow
	}
	if len(c.SensitiveFiles) == 0 {
		c.SensitiveFiles = []string{c.PolicyPath, c.CredentialsPath, c.BaselineDB}
	}
}

// Save writes cfg as YAML with owner-only permissions.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
