package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

// Injection incident thresholds over the lookback window.
const (
	InjectionWarnCount = 10
	InjectionFailCount = 50
	InjectionWindow    = 24 * time.Hour
)

// StateReader reports the kill switch state.
type StateReader interface {
	Status() model.KillSwitchState
}

// CredentialReader reports whether a credential is active.
type CredentialReader interface {
	Active(name string) (bool, error)
}

// Deps are the inputs of the builtin checks. Nil dependencies drop the
// checks that need them.
type Deps struct {
	Holder         *policy.Holder
	Rules          *RuleEngine
	KillSwitch     StateReader
	JournalPath    string
	Detector       *integrity.Detector
	Credentials    CredentialReader
	CredentialName string
	SensitiveFiles []string
	SelfCheck      bool
}

// Builtins returns the standard registry for deps.
func Builtins(d Deps) *Registry {
	r := NewRegistry()

	if d.Holder != nil {
		r.Register(Check{Name: "policy loadable", Category: CategoryConfig, Run: d.policyLoadable})
		r.Register(featureCheck(d.Holder, "max input length", func(p *policy.SecurityPolicy) (bool, string) {
			return p.MaxInputLength > 0, fmt.Sprintf("%d bytes", p.MaxInputLength)
		}))
		r.Register(featureCheck(d.Holder, "authentication required", func(p *policy.SecurityPolicy) (bool, string) {
			return p.Features.AuthenticationRequired, "features.authentication_required"
		}))
		r.Register(featureCheck(d.Holder, "prompt injection defense", func(p *policy.SecurityPolicy) (bool, string) {
			return p.Features.PromptInjectionDefense && len(p.Patterns) > 0, fmt.Sprintf("%d patterns", len(p.Patterns))
		}))
		r.Register(featureCheck(d.Holder, "audit logging", func(p *policy.SecurityPolicy) (bool, string) {
			return p.Features.AuditLogging, "features.audit_logging"
		}))
		r.Register(featureCheck(d.Holder, "kill switch enabled", func(p *policy.SecurityPolicy) (bool, string) {
			return p.Features.KillSwitchEnabled, "features.kill_switch_enabled"
		}))
		if d.Rules != nil {
			r.Register(RulesCheck(d.Rules, d.Holder, d.ruleState))
		}
	}

	if d.KillSwitch != nil {
		r.Register(Check{Name: "kill switch state", Category: CategoryKillSwitch, KillSwitch: true, Run: d.killSwitchState})
	}
	if d.Credentials != nil && d.CredentialName != "" {
		r.Register(Check{Name: "credential active", Category: CategoryKillSwitch, Run: d.credentialActive})
	}
	if d.SelfCheck {
		r.Register(Check{Name: "binary checksum", Category: CategoryKillSwitch, Run: binaryChecksum})
	}

	if d.JournalPath != "" {
		r.Register(Check{Name: "journal chain", Category: CategoryJournal, Run: d.journalChain})
		r.Register(Check{Name: "recent injection incidents", Category: CategoryJournal, Run: d.injectionCount})
	}

	if d.Detector != nil {
		r.Register(Check{Name: "baseline present", Category: CategoryIntegrity, Run: d.baselinePresent})
		r.Register(Check{Name: "drift absent", Category: CategoryIntegrity, Run: d.driftAbsent})
	}
	if len(d.SensitiveFiles) > 0 {
		r.Register(Check{Name: "file permissions", Category: CategoryIntegrity, Run: d.filePermissions})
	}
	return r
}

func (d Deps) policyLoadable(ctx context.Context) Result {
	snap := d.Holder.Current()
	if snap == nil {
		detail := "no valid policy loaded"
		if err := d.Holder.Err(); err != nil {
			detail = err.Error()
		}
		return Fail(detail).WithFix("shieldclaw init-policy")
	}
	return Pass(fmt.Sprintf("version %s, %d rules", snap.Policy.Version, len(snap.Rules)))
}

func featureCheck(h *policy.Holder, name string, fn func(*policy.SecurityPolicy) (bool, string)) Check {
	return Check{
		Name:     name,
		Category: CategoryConfig,
		Run: func(ctx context.Context) Result {
			snap := h.Current()
			if snap == nil {
				return Fail("policy unavailable")
			}
			ok, detail := fn(snap.Policy)
			if !ok {
				return Fail(detail + " disabled").WithFix("edit the policy file")
			}
			return Pass(detail)
		},
	}
}

func (d Deps) ruleState() map[string]any {
	st := map[string]any{}
	if d.KillSwitch != nil {
		s := d.KillSwitch.Status()
		st["killswitch"] = string(s)
		st["locked"] = s == model.Locked
	}
	return st
}

func (d Deps) killSwitchState(ctx context.Context) Result {
	if d.KillSwitch.Status() == model.Locked {
		return Fail("LOCKED").WithFix("shieldclaw unlock --confirm")
	}
	return Pass("OPERATIONAL")
}

func (d Deps) credentialActive(ctx context.Context) Result {
	ok, err := d.Credentials.Active(d.CredentialName)
	if err != nil {
		return Internal(err)
	}
	if !ok {
		return Fail(d.CredentialName + " inactive")
	}
	return Pass(d.CredentialName + " active")
}

func binaryChecksum(ctx context.Context) Result {
	res, err := integrity.VerifySelf()
	if err != nil {
		return Internal(err)
	}
	switch {
	case res.DevBuild():
		return Warn("no expected hash (dev build)")
	case res.Match():
		return Pass(res.Actual)
	default:
		return Fail(fmt.Sprintf("expected %s, got %s", res.Expected, res.Actual))
	}
}

func (d Deps) journalChain(ctx context.Context) Result {
	v := audit.Verify(d.JournalPath)
	if !v.Valid {
		return Fail(fmt.Sprintf("line %d: %s", v.ErrorLine, v.Error)).WithFix("shieldclaw journal verify")
	}
	return Pass(fmt.Sprintf("%d records", v.Lines))
}

func (d Deps) injectionCount(ctx context.Context) Result {
	n, err := audit.CountByType(d.JournalPath, model.EventInjectionDetected, time.Now().Add(-InjectionWindow))
	if err != nil {
		return Internal(err)
	}
	detail := fmt.Sprintf("%d in last %s", n, InjectionWindow)
	switch {
	case n > InjectionFailCount:
		return Fail(detail)
	case n > InjectionWarnCount:
		return Warn(detail)
	default:
		return Pass(detail)
	}
}

func (d Deps) baselinePresent(ctx context.Context) Result {
	snaps, err := d.Detector.Baseline(ctx)
	if err != nil {
		return Internal(err)
	}
	if len(snaps) == 0 {
		return Fail("no baseline").WithFix("shieldclaw baseline capture")
	}
	return Pass(fmt.Sprintf("%d artifacts", len(snaps)))
}

func (d Deps) driftAbsent(ctx context.Context) Result {
	events, err := d.Detector.Compare(ctx)
	if errors.Is(err, integrity.ErrNoBaseline) {
		return Warn("no baseline to compare")
	}
	if err != nil {
		return Internal(err)
	}
	if len(events) > 0 {
		names := make([]string, 0, len(events))
		for _, ev := range events {
			names = append(names, ev.ArtifactName)
		}
		return Fail("drifted: " + strings.Join(names, ", ")).WithFix("shieldclaw drift")
	}
	return Pass("no drift")
}

func (d Deps) filePermissions(ctx context.Context) Result {
	var loose []string
	checked := 0
	for _, p := range d.SensitiveFiles {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		checked++
		if info.Mode().Perm()&0o077 != 0 {
			loose = append(loose, fmt.Sprintf("%s (%04o)", p, info.Mode().Perm()))
		}
	}
	if len(loose) > 0 {
		return Fail("group/world accessible: " + strings.Join(loose, ", ")).WithFix("chmod 600")
	}
	return Pass(fmt.Sprintf("%d files 0600 or stricter", checked))
}
