package mcp

import (
	"context"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/health"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/killswitch"
	"github.com/ppiankov/shieldclaw/internal/model"
)

// --- Input/Output types ---

// EvaluateInput defines parameters for the shieldclaw_evaluate tool.
type EvaluateInput struct {
	Text   string `json:"text" jsonschema:"untrusted text to screen"`
	Tool   string `json:"tool,omitempty" jsonschema:"tool the agent is about to call, checked against the policy tool lists"`
	Remote string `json:"remote,omitempty" jsonschema:"address the text came from, checked against the policy ip_allowlist"`
}

// EvaluateOutput is the verdict.
type EvaluateOutput struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	Category     string   `json:"category,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	ToolDecision string   `json:"tool_decision,omitempty"`
}

// StatusInput is empty.
type StatusInput struct{}

// StatusOutput reports the kill switch state.
type StatusOutput struct {
	State         string `json:"state"`
	PolicyVersion string `json:"policy_version,omitempty"`
	PolicyError   string `json:"policy_error,omitempty"`
}

// ActivateInput defines parameters for the shieldclaw_activate tool.
type ActivateInput struct {
	Reason string `json:"reason" jsonschema:"why the agent is stopping itself"`
}

// ActivateOutput reports the transition.
type ActivateOutput struct {
	State           string   `json:"state"`
	AlreadyLocked   bool     `json:"already_locked"`
	Failures        []string `json:"failures,omitempty"`
	NetworkGuidance []string `json:"network_guidance,omitempty"`
}

// HealthInput defines parameters for the shieldclaw_health tool.
type HealthInput struct {
	Full bool `json:"full,omitempty" jsonschema:"run every check instead of the config checks only"`
}

// HealthOutput summarises a health report.
type HealthOutput struct {
	Score  int      `json:"score"`
	Tier   string   `json:"tier"`
	Locked bool     `json:"locked"`
	Failed []string `json:"failed,omitempty"`
}

// DriftInput is empty.
type DriftInput struct{}

// DriftOutput lists drifted artifacts.
type DriftOutput struct {
	Drifted bool                   `json:"drifted"`
	Events  []integrity.DriftEvent `json:"events,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

var errUnexpected = errors.New("unexpected result payload")

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	if input.Tool != "" || input.Remote != "" {
		res := s.plane.CheckAccess(ctx, controlplane.AccessRequest{Tool: input.Tool, Remote: input.Remote})
		if !res.OK {
			d, _ := res.Data.(controlplane.AccessDecision)
			out := EvaluateOutput{Allowed: false, Reason: d.Reason, ToolDecision: d.ToolDecision}
			if out.Reason == "" {
				out.Reason = res.Error
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
	}

	res := s.plane.EvaluateInput(ctx, input.Text)
	v, ok := res.Data.(model.Verdict)
	if !ok {
		return nil, EvaluateOutput{}, fmt.Errorf("%s: %w", res.Command, errUnexpected)
	}
	out := EvaluateOutput{
		Allowed:      v.Allowed,
		Reason:       v.Reason,
		MatchedRules: v.MatchedRules,
		Category:     string(v.Category),
		Severity:     string(v.Severity),
		Flags:        v.Flags,
	}
	if !v.Allowed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	res := s.plane.Status(ctx)
	st, ok := res.Data.(controlplane.StatusData)
	if !ok {
		return nil, StatusOutput{}, fmt.Errorf("%s: %w", res.Command, errUnexpected)
	}
	return nil, StatusOutput{
		State:         string(st.State),
		PolicyVersion: st.PolicyVersion,
		PolicyError:   st.PolicyError,
	}, nil
}

func (s *Server) handleActivate(ctx context.Context, req *mcpsdk.CallToolRequest, input ActivateInput) (*mcpsdk.CallToolResult, ActivateOutput, error) {
	reason := input.Reason
	if reason == "" {
		reason = "agent requested stop"
	}
	res := s.plane.Activate(ctx, reason, s.agentID)
	ar, _ := res.Data.(killswitch.ActivateResult)
	out := ActivateOutput{
		State:           string(ar.State),
		AlreadyLocked:   ar.AlreadyLocked,
		Failures:        ar.Failures,
		NetworkGuidance: ar.NetworkGuidance,
	}
	if !res.OK {
		return nil, out, errors.New(res.Error)
	}
	return nil, out, nil
}

func (s *Server) handleHealth(ctx context.Context, req *mcpsdk.CallToolRequest, input HealthInput) (*mcpsdk.CallToolResult, HealthOutput, error) {
	mode := health.ModeQuick
	if input.Full {
		mode = health.ModeFull
	}
	res := s.plane.RunHealth(ctx, mode)
	rep, ok := res.Data.(health.Report)
	if !ok {
		return nil, HealthOutput{}, fmt.Errorf("%s: %w", res.Command, errUnexpected)
	}
	out := HealthOutput{Score: rep.Score, Tier: string(rep.Tier), Locked: rep.Locked}
	for _, r := range rep.Results {
		if r.Status == model.StatusFail {
			out.Failed = append(out.Failed, r.Name+": "+r.Detail)
		}
	}
	if !res.OK {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleDrift(ctx context.Context, req *mcpsdk.CallToolRequest, input DriftInput) (*mcpsdk.CallToolResult, DriftOutput, error) {
	res := s.plane.CheckDrift(ctx)
	d, ok := res.Data.(controlplane.DriftData)
	if !ok {
		// No baseline or store failure: report, do not fail the call.
		return &mcpsdk.CallToolResult{IsError: true}, DriftOutput{Error: res.Error}, nil
	}
	out := DriftOutput{Drifted: d.Drifted, Events: d.Events}
	if d.Drifted {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
