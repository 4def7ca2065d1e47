package controlplane

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ppiankov/shieldclaw/internal/policy"
)

func TestCheckAccess(t *testing.T) {
	p := initPlane(t)
	body := strings.Replace(policy.DefaultPolicyYAML(), "ip_allowlist: []", `ip_allowlist: ["10.0.0.0/8", "192.168.1.5"]`, 1)
	if err := os.WriteFile(p.cfg.PolicyPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.holder.Reload(p.cfg.PolicyPath); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		req    AccessRequest
		ok     bool
		reason string
	}{
		{AccessRequest{Tool: "web_search"}, true, ReasonAccessAllowed},
		{AccessRequest{Tool: "SHELL_EXEC"}, false, ReasonToolDenied},
		{AccessRequest{Tool: "file_write"}, false, ReasonToolNeedsApprove},
		{AccessRequest{Remote: "10.1.2.3"}, true, ReasonAccessAllowed},
		{AccessRequest{Remote: "192.168.1.5"}, true, ReasonAccessAllowed},
		{AccessRequest{Remote: "8.8.8.8"}, false, ReasonRemoteDenied},
		{AccessRequest{Remote: "not-an-ip"}, false, ReasonRemoteDenied},
		{AccessRequest{Tool: "web_search", Remote: "8.8.8.8"}, false, ReasonRemoteDenied},
		{AccessRequest{Tool: "shell_exec", Remote: "8.8.8.8"}, false, ReasonRemoteDenied},
	}
	for _, tt := range tests {
		res := p.CheckAccess(ctx, tt.req)
		d, isDecision := res.Data.(AccessDecision)
		if !isDecision {
			t.Fatalf("%+v: unexpected payload %T", tt.req, res.Data)
		}
		if res.OK != tt.ok || d.Allowed != tt.ok || d.Reason != tt.reason {
			t.Errorf("%+v: ok=%v reason=%q, want ok=%v reason=%q", tt.req, res.OK, d.Reason, tt.ok, tt.reason)
		}
		if !tt.ok && res.Code != ExitFailure {
			t.Errorf("%+v: code %d, want %d", tt.req, res.Code, ExitFailure)
		}
	}

	if res := p.CheckAccess(ctx, AccessRequest{}); res.Code != ExitUsage {
		t.Errorf("empty request code = %d, want %d", res.Code, ExitUsage)
	}
}

func TestCheckAccessFailsClosedWithoutPolicy(t *testing.T) {
	p := initPlane(t)
	if err := os.WriteFile(p.cfg.PolicyPath, []byte("version: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	p.holder.Reload(p.cfg.PolicyPath)

	res := p.CheckAccess(context.Background(), AccessRequest{Tool: "web_search"})
	if res.OK || res.Code != ExitHard {
		t.Fatalf("expected hard failure, got %+v", res)
	}
}
