package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ErrConfigInvalid is returned when the policy document is missing,
// malformed, or lacks a required key. Callers must fail closed.
var ErrConfigInvalid = errors.New("policy config invalid")

// requiredKeys are the top-level keys every policy document must carry.
var requiredKeys = []string{"version", "max_input_length", "rate_limit", "features", "patterns"}

// RateLimit bounds inbound request volume.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `yaml:"burst"               json:"burst"`
}

// Features are the security toggles of the deployment.
type Features struct {
	AuthenticationRequired bool `yaml:"authentication_required"  json:"authentication_required"`
	PIIDetection           bool `yaml:"pii_detection"            json:"pii_detection"`
	AuditLogging           bool `yaml:"audit_logging"            json:"audit_logging"`
	KillSwitchEnabled      bool `yaml:"kill_switch_enabled"      json:"kill_switch_enabled"`
	PromptInjectionDefense bool `yaml:"prompt_injection_defense" json:"prompt_injection_defense"`
}

// Tools holds the tool allow/deny/approval lists.
type Tools struct {
	Allow           []string `yaml:"allow"            json:"allow,omitempty"`
	Deny            []string `yaml:"deny"             json:"deny,omitempty"`
	RequireApproval []string `yaml:"require_approval" json:"require_approval,omitempty"`
}

// Obfuscation tunes the encoding heuristics of the defense engine.
type Obfuscation struct {
	MaxNonPrintableRatio float64 `yaml:"max_non_printable_ratio" json:"max_non_printable_ratio"`
	MinBase64Length      int     `yaml:"min_base64_length"       json:"min_base64_length"`
}

// HealthRule is a declarative health check evaluated as a CEL expression
// against the policy document.
type HealthRule struct {
	Name       string `yaml:"name"        json:"name"`
	Expr       string `yaml:"expr"        json:"expr"`
	FailureMsg string `yaml:"failure_msg" json:"failure_msg,omitempty"`
}

// SecurityPolicy is the versioned policy document.
type SecurityPolicy struct {
	Version        string              `yaml:"version"          json:"version"`
	MaxInputLength int                 `yaml:"max_input_length" json:"max_input_length"`
	StrictMode     bool                `yaml:"strict_mode"      json:"strict_mode"`
	RateLimit      RateLimit           `yaml:"rate_limit"       json:"rate_limit"`
	Features       Features            `yaml:"features"         json:"features"`
	IPAllowlist    []string            `yaml:"ip_allowlist"     json:"ip_allowlist,omitempty"`
	Tools          Tools               `yaml:"tools"            json:"tools"`
	Obfuscation    Obfuscation         `yaml:"obfuscation"      json:"obfuscation"`
	Patterns       []model.PatternRule `yaml:"patterns"         json:"patterns"`
	HealthRules    []HealthRule        `yaml:"health_rules"     json:"health_rules,omitempty"`
}

const (
	defaultNonPrintableRatio = 0.10
	defaultMinBase64Length   = 24
)

// DefaultPath returns ~/.shieldclaw/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shieldclaw", "policy.yaml")
	}
	return filepath.Join(home, ".shieldclaw", "policy.yaml")
}

// Load reads and validates a policy document. Unlike most config in
// shieldclaw, a missing policy file is an error: the defense engine has
// nothing safe to fall back to.
func Load(path string) (*SecurityPolicy, error) {
	p, _, err := LoadWithHash(path)
	return p, err
}

// LoadWithHash loads the policy and returns the "sha256:<hex>" digest of the
// raw bytes on disk.
func LoadWithHash(path string) (*SecurityPolicy, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return p, "sha256:" + hex.EncodeToString(h[:]), nil
}

// Parse decodes and validates a policy document from YAML bytes.
func Parse(data []byte) (*SecurityPolicy, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrConfigInvalid, err)
	}
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required keys: %s", ErrConfigInvalid, strings.Join(missing, ", "))
	}

	var p SecurityPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfigInvalid, err)
	}
	if p.Obfuscation.MaxNonPrintableRatio <= 0 {
		p.Obfuscation.MaxNonPrintableRatio = defaultNonPrintableRatio
	}
	if p.Obfuscation.MinBase64Length <= 0 {
		p.Obfuscation.MinBase64Length = defaultMinBase64Length
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks semantic constraints that YAML decoding cannot express.
func (p *SecurityPolicy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Version) == "" {
		errs = append(errs, fmt.Errorf("version must not be empty"))
	}
	if p.MaxInputLength <= 0 {
		errs = append(errs, fmt.Errorf("max_input_length must be positive, got %d", p.MaxInputLength))
	}
	if p.RateLimit.RequestsPerMinute < 0 || p.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	for _, entry := range p.IPAllowlist {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			errs = append(errs, fmt.Errorf("ip_allowlist entry %q is not an address or CIDR", entry))
		}
	}
	seen := make(map[string]bool, len(p.Patterns))
	for i, r := range p.Patterns {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("patterns[%d]: id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("patterns[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("patterns[%d] (%s): pattern is required", i, r.ID))
		}
		if !model.ValidCategory(r.Category) {
			errs = append(errs, fmt.Errorf("patterns[%d] (%s): unknown category %q", i, r.ID, r.Category))
		}
		if r.Severity.Rank() == 0 {
			errs = append(errs, fmt.Errorf("patterns[%d] (%s): unknown severity %q", i, r.ID, r.Severity))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// AllowsIP reports whether addr is permitted by the allow-list.
// An empty allow-list permits every address.
func (p *SecurityPolicy) AllowsIP(addr string) bool {
	if len(p.IPAllowlist) == 0 {
		return true
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, entry := range p.IPAllowlist {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(ip) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a == ip {
			return true
		}
	}
	return false
}

// Tool decisions returned by ToolDecision.
const (
	ToolAllow           = "allow"
	ToolDeny            = "deny"
	ToolRequireApproval = "require_approval"
)

// ToolDecision classifies a tool name against the tool lists.
// Deny wins over approval, approval over allow. When an allow list is
// present, unlisted tools are denied.
func (p *SecurityPolicy) ToolDecision(tool string) string {
	if containsFold(p.Tools.Deny, tool) {
		return ToolDeny
	}
	if containsFold(p.Tools.RequireApproval, tool) {
		return ToolRequireApproval
	}
	if len(p.Tools.Allow) > 0 && !containsFold(p.Tools.Allow, tool) {
		return ToolDeny
	}
	return ToolAllow
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
