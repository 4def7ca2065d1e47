package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/health"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/killswitch"
	"github.com/ppiankov/shieldclaw/internal/model"
)

// emit prints res and records its exit code.
func emit(cmd *cobra.Command, res controlplane.Result) {
	exitCode = res.Code
	w := cmd.OutOrStdout()
	if jsonOutput {
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(w, string(out))
		return
	}
	render(w, res)
	if res.Error != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", res.Command, res.Error)
	}
}

func render(w io.Writer, res controlplane.Result) {
	switch d := res.Data.(type) {
	case killswitch.ActivateResult:
		renderActivate(w, d)
	case killswitch.UnlockResult:
		if !d.WasLocked && res.OK {
			fmt.Fprintf(w, "Kill switch was not locked; state %s\n", d.State)
		} else {
			fmt.Fprintf(w, "Kill switch state: %s\n", d.State)
		}
		renderSteps(w, d.Steps)
	case controlplane.StatusData:
		fmt.Fprintf(w, "State:      %s\n", d.State)
		fmt.Fprintf(w, "Marker:     %s\n", d.Marker)
		if d.PolicyVersion != "" {
			fmt.Fprintf(w, "Policy:     version %s\n", d.PolicyVersion)
		}
		if d.PolicyError != "" {
			fmt.Fprintf(w, "Policy:     UNAVAILABLE (%s)\n", d.PolicyError)
		}
		if d.CredentialLive != nil {
			state := "active"
			if !*d.CredentialLive {
				state = "inactive"
			}
			fmt.Fprintf(w, "Credential: %s (%s)\n", d.Credential, state)
		}
		if d.MarkerContent != "" {
			fmt.Fprintln(w)
			fmt.Fprint(w, d.MarkerContent)
		}
	case health.Report:
		renderHealth(w, d)
	case controlplane.DriftData:
		if !d.Drifted {
			fmt.Fprintln(w, "No drift: all artifacts match the baseline.")
			return
		}
		for _, ev := range d.Events {
			fmt.Fprintf(w, "DRIFT %s\n  baseline %s\n  current  %s\n", ev.ArtifactName, ev.BaselineDigest, ev.CurrentDigest)
			for _, c := range ev.Changes {
				fmt.Fprintf(w, "  %s\n", c)
			}
		}
	case []integrity.Snapshot:
		for _, s := range d {
			fmt.Fprintf(w, "%s  %s\n", s.Digest, s.ArtifactName)
		}
	case model.Verdict:
		if d.Allowed {
			fmt.Fprintln(w, "ALLOWED")
		} else {
			fmt.Fprintf(w, "REJECTED: %s\n", d.Reason)
		}
		if len(d.MatchedRules) > 0 {
			fmt.Fprintf(w, "  rules:    %s\n", strings.Join(d.MatchedRules, ", "))
			fmt.Fprintf(w, "  severity: %s\n", d.Severity)
		}
		if len(d.Flags) > 0 {
			fmt.Fprintf(w, "  flags:    %s\n", strings.Join(d.Flags, ", "))
		}
	case controlplane.AccessDecision:
		if d.Allowed {
			fmt.Fprintln(w, "ALLOWED")
		} else {
			fmt.Fprintf(w, "DENIED: %s\n", d.Reason)
		}
		if d.Tool != "" {
			fmt.Fprintf(w, "  tool:   %s (%s)\n", d.Tool, d.ToolDecision)
		}
		if d.Remote != "" && d.RemoteAllowed != nil {
			fmt.Fprintf(w, "  remote: %s (allowlisted: %t)\n", d.Remote, *d.RemoteAllowed)
		}
	case audit.VerifyResult:
		if d.Valid {
			fmt.Fprintf(w, "OK: %d records verified\n", d.Lines)
		} else {
			fmt.Fprintf(w, "FAILED at line %d: %s\n", d.ErrorLine, d.Error)
		}
	case []model.IncidentRecord:
		for _, r := range d {
			fmt.Fprintf(w, "%s  %-22s %-10s %s\n", r.Timestamp, r.EventType, r.Actor, r.Reason)
			if r.Detail != "" {
				fmt.Fprintf(w, "    %s\n", r.Detail)
			}
		}
	case controlplane.InitData:
		if d.PolicyWritten {
			fmt.Fprintf(w, "Created %s\n", d.PolicyPath)
		} else {
			fmt.Fprintf(w, "Policy already exists at %s (use --force to overwrite)\n", d.PolicyPath)
		}
		if d.Credential != "" {
			fmt.Fprintf(w, "Credential %q registered\n", d.Credential)
		}
	}
}

func renderActivate(w io.Writer, r killswitch.ActivateResult) {
	if r.AlreadyLocked {
		fmt.Fprintf(w, "Kill switch already LOCKED (%s)\n", r.Marker)
		return
	}
	fmt.Fprintf(w, "Kill switch %s (%s)\n", r.State, r.Marker)
	renderSteps(w, r.Steps)
	if len(r.NetworkGuidance) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Network isolation (manual):")
		for _, g := range r.NetworkGuidance {
			fmt.Fprintf(w, "  %s\n", g)
		}
	}
}

func renderSteps(w io.Writer, steps []killswitch.Step) {
	for _, s := range steps {
		mark := "✓"
		if !s.OK {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %-20s %s\n", mark, s.Name+":", s.Detail)
	}
}

func renderHealth(w io.Writer, rep health.Report) {
	for _, r := range rep.Results {
		mark := "✓"
		switch r.Status {
		case model.StatusWarn:
			mark = "!"
		case model.StatusFail:
			mark = "✗"
		}
		line := fmt.Sprintf("%s %-28s %s", mark, r.Name+":", r.Detail)
		if r.Status != model.StatusPass && r.Fix != "" {
			line += fmt.Sprintf("  ->  %s", r.Fix)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Score: %d/100 (%s)\n", rep.Score, rep.Tier)
	if rep.Locked {
		fmt.Fprintln(w, "Kill switch is LOCKED.")
	}
}
