package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/defense"
	"github.com/ppiankov/shieldclaw/internal/health"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/killswitch"
	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/observability/otel"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

// StatusData is the payload of Status.
type StatusData struct {
	State          model.KillSwitchState `json:"state"`
	Marker         string                `json:"marker"`
	MarkerContent  string                `json:"marker_content,omitempty"`
	PolicyVersion  string                `json:"policy_version,omitempty"`
	PolicyError    string                `json:"policy_error,omitempty"`
	Credential     string                `json:"credential,omitempty"`
	CredentialLive *bool                 `json:"credential_active,omitempty"`
}

// DriftData is the payload of CheckDrift.
type DriftData struct {
	Drifted bool                   `json:"drifted"`
	Events  []integrity.DriftEvent `json:"events"`
}

// Activate engages the kill switch. An empty actor means the operator.
func (p *Plane) Activate(ctx context.Context, reason, actor string) Result {
	const cmd = "activate"
	ctx, span := p.tracer.Start(ctx, cmd, attribute.String("shieldclaw.reason", reason))
	res, err := p.kill.Activate(ctx, killswitch.ActivateRequest{Reason: reason, Actor: actor})
	span.SetAttributes(attribute.Bool("shieldclaw.already_locked", res.AlreadyLocked))
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, res, err)
	}
	return ok(cmd, res)
}

// Status reads the marker. LOCKED is reported with a failure exit code so
// scripts can gate on it.
func (p *Plane) Status(ctx context.Context) Result {
	const cmd = "status"
	data := StatusData{
		State:  p.kill.Status(),
		Marker: p.kill.MarkerPath(),
	}
	if data.State == model.Locked {
		data.MarkerContent = p.kill.Marker()
	}
	if snap := p.holder.Current(); snap != nil {
		data.PolicyVersion = snap.Policy.Version
	} else if err := p.holder.Err(); err != nil {
		data.PolicyError = err.Error()
	}
	if name := p.cfg.Credential.Name; name != "" {
		data.Credential = name
		if active, err := p.creds.Active(name); err == nil {
			data.CredentialLive = &active
		}
	}
	if data.State == model.Locked {
		return failed(cmd, data, "kill switch locked")
	}
	return ok(cmd, data)
}

// Unlock releases the kill switch. Without confirm nothing changes.
func (p *Plane) Unlock(ctx context.Context, confirm bool, actor, reason string) Result {
	const cmd = "unlock"
	ctx, span := p.tracer.Start(ctx, cmd, attribute.Bool("shieldclaw.confirm", confirm))
	res, err := p.kill.Unlock(ctx, killswitch.UnlockRequest{Confirm: confirm, Actor: actor, Reason: reason})
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, res, err)
	}
	return ok(cmd, res)
}

// RunHealth scores the deployment. A critical tier fails and, unless the
// switch is already locked, activates it.
func (p *Plane) RunHealth(ctx context.Context, mode health.Mode) Result {
	const cmd = "health"
	if mode != health.ModeQuick && mode != health.ModeFull {
		return errResult(cmd, nil, fmt.Errorf("%w: mode must be quick or full", ErrUsage))
	}
	ctx, span := p.tracer.Start(ctx, cmd, attribute.String("shieldclaw.mode", string(mode)))
	rep := p.health.Run(ctx, mode)
	span.SetAttributes(attribute.Int("shieldclaw.score", rep.Score), attribute.String("shieldclaw.tier", string(rep.Tier)))
	otel.End(span, nil)
	if rep.Tier == model.TierCritical {
		return failed(cmd, rep, fmt.Sprintf("health critical: score %d", rep.Score))
	}
	return ok(cmd, rep)
}

// CaptureBaseline records the first baseline. Empty artifacts means the
// configured watch list.
func (p *Plane) CaptureBaseline(ctx context.Context, artifacts []string, actor string) Result {
	const cmd = "baseline capture"
	if len(artifacts) == 0 {
		artifacts = p.cfg.WatchedArtifacts
	}
	if len(artifacts) == 0 {
		return errResult(cmd, nil, fmt.Errorf("%w: no artifacts given or configured", ErrUsage))
	}
	artifacts = absAll(artifacts)
	ctx, span := p.tracer.Start(ctx, "baseline", attribute.Int("shieldclaw.artifacts", len(artifacts)))
	snaps, err := p.detector.CaptureBaseline(ctx, artifacts, actor)
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, nil, err)
	}
	return ok(cmd, snaps)
}

// Rebaseline replaces the baseline and journals who did it and why.
func (p *Plane) Rebaseline(ctx context.Context, artifacts []string, actor, reason string) Result {
	const cmd = "baseline rebaseline"
	if reason == "" {
		return errResult(cmd, nil, fmt.Errorf("%w: a reason is required", ErrUsage))
	}
	ctx, span := p.tracer.Start(ctx, "rebaseline", attribute.String("shieldclaw.reason", reason))
	snaps, err := p.detector.Rebaseline(ctx, absAll(artifacts), actor, reason)
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, nil, err)
	}
	return ok(cmd, snaps)
}

// CheckDrift compares current digests to the baseline and journals every
// drifted artifact.
func (p *Plane) CheckDrift(ctx context.Context) Result {
	const cmd = "drift"
	ctx, span := p.tracer.Start(ctx, cmd)
	events, err := p.detector.CheckDrift(ctx)
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, nil, err)
	}
	if events == nil {
		events = []integrity.DriftEvent{}
	}
	data := DriftData{Drifted: len(events) > 0, Events: events}
	if data.Drifted {
		for _, ev := range events {
			if ev.ArtifactName == p.cfg.PolicyPath {
				p.logger.Warn().Str("artifact", ev.ArtifactName).Msg("policy file drifted from baseline")
			}
		}
		return failed(cmd, data, fmt.Sprintf("%d artifact(s) drifted", len(events)))
	}
	return ok(cmd, data)
}

// EvaluateInput screens text. A rejection fails; a missing or invalid
// policy is a hard failure.
func (p *Plane) EvaluateInput(ctx context.Context, text string) Result {
	const cmd = "evaluate"
	ctx, span := p.tracer.Start(ctx, cmd, attribute.Int("shieldclaw.input_len", len(text)))
	v, err := p.engine.Evaluate(ctx, text)
	span.SetAttributes(attribute.Bool("shieldclaw.allowed", v.Allowed), attribute.String("shieldclaw.reason", v.Reason))
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, v, err)
	}
	if !v.Allowed {
		return failed(cmd, v, v.Reason)
	}
	return ok(cmd, v)
}

// ScanRuntimeLogs screens the lines appended to the configured runtime logs
// since the previous scan. Any rejected line fails; hits are journaled by
// the defense engine and count toward the threshold trigger.
func (p *Plane) ScanRuntimeLogs(ctx context.Context) Result {
	const cmd = "logscan"
	if p.logs == nil {
		return ok(cmd, defense.LogScanResult{})
	}
	ctx, span := p.tracer.Start(ctx, cmd)
	res, err := p.logs.Scan(ctx)
	span.SetAttributes(attribute.Int("shieldclaw.lines", res.Lines), attribute.Int("shieldclaw.rejected", res.Rejected))
	otel.End(span, err)
	if err != nil {
		return errResult(cmd, res, err)
	}
	if res.Rejected > 0 {
		return failed(cmd, res, fmt.Sprintf("%d injection attempt(s) in runtime logs", res.Rejected))
	}
	return ok(cmd, res)
}

// VerifyJournal checks the hash chain.
func (p *Plane) VerifyJournal(ctx context.Context) Result {
	const cmd = "journal verify"
	v := audit.Verify(p.cfg.JournalPath)
	if !v.Valid {
		return failed(cmd, v, v.Error)
	}
	return ok(cmd, v)
}

// TailJournal returns the last n incidents.
func (p *Plane) TailJournal(ctx context.Context, n int) Result {
	const cmd = "journal tail"
	recs, err := audit.Tail(p.cfg.JournalPath, n)
	if err != nil {
		return errResult(cmd, nil, err)
	}
	if recs == nil {
		recs = []model.IncidentRecord{}
	}
	return ok(cmd, recs)
}

// InitData is the payload of Init.
type InitData struct {
	PolicyPath    string `json:"policy_path"`
	PolicyWritten bool   `json:"policy_written"`
	Credential    string `json:"credential,omitempty"`
}

// Init writes the default policy when none exists (or force is set),
// registers the configured credential as active and reloads the policy.
func (p *Plane) Init(ctx context.Context, force bool) Result {
	const cmd = "init-policy"
	data := InitData{PolicyPath: p.cfg.PolicyPath}

	_, statErr := os.Stat(p.cfg.PolicyPath)
	if force || errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(p.cfg.PolicyPath), 0o700); err != nil {
			return errResult(cmd, data, err)
		}
		if err := os.WriteFile(p.cfg.PolicyPath, []byte(policy.DefaultPolicyYAML()), 0o600); err != nil {
			return errResult(cmd, data, fmt.Errorf("write policy: %w", err))
		}
		data.PolicyWritten = true
	}
	if name := p.cfg.Credential.Name; name != "" {
		if err := p.creds.Ensure(name, "shieldclaw init"); err != nil {
			return errResult(cmd, data, err)
		}
		data.Credential = name
	}
	if _, err := p.holder.Reload(p.cfg.PolicyPath); err != nil {
		return errResult(cmd, data, err)
	}
	return ok(cmd, data)
}

func absAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, p)
	}
	return out
}
