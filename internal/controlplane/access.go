package controlplane

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ppiankov/shieldclaw/internal/observability/otel"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

// AccessRequest names a tool the agent wants to call and the remote
// address the request came from. Empty fields are not checked.
type AccessRequest struct {
	Tool   string `json:"tool,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// AccessDecision is the payload of CheckAccess.
type AccessDecision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	Tool          string `json:"tool,omitempty"`
	ToolDecision  string `json:"tool_decision,omitempty"`
	Remote        string `json:"remote,omitempty"`
	RemoteAllowed *bool  `json:"remote_allowed,omitempty"`
}

// Access decision reasons.
const (
	ReasonAccessAllowed    = "allowed"
	ReasonToolDenied       = "tool_denied"
	ReasonToolNeedsApprove = "tool_requires_approval"
	ReasonRemoteDenied     = "remote_not_allowlisted"
)

// CheckAccess applies the policy tool lists and IP allow-list to req. A
// denied remote wins over the tool decision. Without a loaded policy the
// check fails closed as a hard failure.
func (p *Plane) CheckAccess(ctx context.Context, req AccessRequest) Result {
	const cmd = "access"
	if req.Tool == "" && req.Remote == "" {
		return errResult(cmd, nil, fmt.Errorf("%w: a tool or remote address is required", ErrUsage))
	}
	_, span := p.tracer.Start(ctx, cmd,
		attribute.String("shieldclaw.tool", req.Tool),
		attribute.String("shieldclaw.remote", req.Remote))

	snap := p.holder.Current()
	if snap == nil {
		err := p.holder.Err()
		if err == nil {
			err = fmt.Errorf("%w: no policy loaded", policy.ErrConfigInvalid)
		}
		otel.End(span, err)
		return errResult(cmd, AccessDecision{Reason: "policy_unavailable", Tool: req.Tool, Remote: req.Remote}, err)
	}

	d := AccessDecision{Allowed: true, Reason: ReasonAccessAllowed, Tool: req.Tool, Remote: req.Remote}
	if req.Tool != "" {
		d.ToolDecision = snap.Policy.ToolDecision(req.Tool)
		switch d.ToolDecision {
		case policy.ToolDeny:
			d.Allowed, d.Reason = false, ReasonToolDenied
		case policy.ToolRequireApproval:
			d.Allowed, d.Reason = false, ReasonToolNeedsApprove
		}
	}
	if req.Remote != "" {
		allowed := snap.Policy.AllowsIP(req.Remote)
		d.RemoteAllowed = &allowed
		if !allowed {
			d.Allowed, d.Reason = false, ReasonRemoteDenied
		}
	}

	span.SetAttributes(attribute.Bool("shieldclaw.allowed", d.Allowed), attribute.String("shieldclaw.reason", d.Reason))
	otel.End(span, nil)
	if !d.Allowed {
		p.logger.Warn().
			Str("tool", req.Tool).
			Str("remote", req.Remote).
			Str("reason", d.Reason).
			Msg("access denied")
		return failed(cmd, d, d.Reason)
	}
	return ok(cmd, d)
}
