package health

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

func fixed(name, cat string, status model.HealthStatus) Check {
	return Check{
		Name:     name,
		Category: cat,
		Run: func(context.Context) Result {
			return Result{Status: status, Detail: string(status)}
		},
	}
}

func registryOf(pass, fail int) *Registry {
	r := NewRegistry()
	for i := 0; i < pass; i++ {
		r.Register(fixed("p", CategoryConfig, model.StatusPass))
	}
	for i := 0; i < fail; i++ {
		r.Register(fixed("f", CategoryJournal, model.StatusFail))
	}
	return r
}

func TestScoreAndTier(t *testing.T) {
	tests := []struct {
		pass, fail int
		score      int
		tier       model.Tier
	}{
		{9, 1, 90, model.TierExcellent},
		{5, 5, 50, model.TierAttention},
		{7, 3, 70, model.TierGood},
		{1, 2, 33, model.TierCritical},
		{2, 1, 67, model.TierAttention},
		{0, 0, 100, model.TierExcellent},
	}
	for _, tt := range tests {
		rep := RunChecks(context.Background(), registryOf(tt.pass, tt.fail), time.Second)
		if rep.Score != tt.score || rep.Tier != tt.tier {
			t.Errorf("%d pass / %d fail: got %d %s, want %d %s", tt.pass, tt.fail, rep.Score, rep.Tier, tt.score, tt.tier)
		}
	}
}

func TestRunChecksPreservesOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"a", "b", "c", "d", "e"}
	for i, n := range names {
		cat := CategoryConfig
		if i%2 == 0 {
			cat = CategoryJournal
		}
		d := time.Duration(len(names)-i) * time.Millisecond
		name := n
		r.Register(Check{Name: name, Category: cat, Run: func(context.Context) Result {
			time.Sleep(d)
			return Pass(name)
		}})
	}
	rep := RunChecks(context.Background(), r, time.Second)
	for i, res := range rep.Results {
		if res.Name != names[i] {
			t.Fatalf("result %d: got %s want %s", i, res.Name, names[i])
		}
	}
}

func TestPanicAndTimeoutBecomeFail(t *testing.T) {
	r := NewRegistry(
		Check{Name: "panics", Category: CategoryConfig, Run: func(context.Context) Result {
			panic("boom")
		}},
		Check{Name: "hangs", Category: CategoryConfig, Run: func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return Pass("late")
		}},
		Check{Name: "empty", Category: CategoryConfig, Run: func(context.Context) Result {
			return Result{}
		}},
		fixed("ok", CategoryConfig, model.StatusPass),
	)
	rep := RunChecks(context.Background(), r, 50*time.Millisecond)

	for _, i := range []int{0, 1, 2} {
		res := rep.Results[i]
		if res.Status != model.StatusFail {
			t.Errorf("%s: expected fail, got %s", res.Name, res.Status)
		}
		if !strings.Contains(res.Detail, ErrCheckInternal.Error()) {
			t.Errorf("%s: expected internal error detail, got %q", res.Name, res.Detail)
		}
	}
	if !strings.Contains(rep.Results[0].Detail, "boom") {
		t.Errorf("expected panic value in detail, got %q", rep.Results[0].Detail)
	}
	if rep.Results[3].Status != model.StatusPass {
		t.Error("a broken check must not abort the run")
	}
}

type stateStub struct{ s model.KillSwitchState }

func (s stateStub) Status() model.KillSwitchState { return s.s }

func TestLockedKillSwitchShortCircuitsCategory(t *testing.T) {
	var ran atomic.Int32
	counting := func(name string) Check {
		return Check{Name: name, Category: CategoryKillSwitch, Run: func(context.Context) Result {
			ran.Add(1)
			return Pass(name)
		}}
	}
	deps := Deps{KillSwitch: stateStub{model.Locked}}
	r := NewRegistry(
		fixed("config ok", CategoryConfig, model.StatusPass),
		Check{Name: "kill switch state", Category: CategoryKillSwitch, KillSwitch: true, Run: deps.killSwitchState},
		counting("credential active"),
		counting("other"),
	)
	rep := RunChecks(context.Background(), r, time.Second)

	if !rep.Locked {
		t.Fatal("expected report to say locked")
	}
	if ran.Load() != 0 {
		t.Fatalf("expected short-circuited checks not to run, %d ran", ran.Load())
	}
	if len(rep.Results) != 4 {
		t.Fatalf("expected partial results for all 4 checks, got %d", len(rep.Results))
	}
	for _, res := range rep.Results[2:] {
		if res.Status != model.StatusWarn || res.Detail != SkippedDetail || !res.Skipped {
			t.Errorf("%s: expected skipped warn, got %+v", res.Name, res)
		}
	}
	if rep.Results[0].Status != model.StatusPass {
		t.Error("other categories must still run")
	}
	// 1 pass, 1 fail; skipped checks do not count.
	if rep.Score != 50 {
		t.Fatalf("expected score 50, got %d", rep.Score)
	}
}

func TestOperationalKillSwitchRunsCategory(t *testing.T) {
	deps := Deps{KillSwitch: stateStub{model.Operational}}
	r := NewRegistry(
		Check{Name: "kill switch state", Category: CategoryKillSwitch, KillSwitch: true, Run: deps.killSwitchState},
		fixed("credential active", CategoryKillSwitch, model.StatusPass),
	)
	rep := RunChecks(context.Background(), r, time.Second)
	if rep.Locked || rep.Score != 100 {
		t.Fatalf("expected unlocked full score, got %+v", rep)
	}
}

func TestForModeQuick(t *testing.T) {
	r := NewRegistry(
		fixed("a", CategoryConfig, model.StatusPass),
		fixed("b", CategoryJournal, model.StatusPass),
	)
	if n := len(r.ForMode(ModeQuick).Checks()); n != 1 {
		t.Fatalf("quick mode: expected 1 check, got %d", n)
	}
	if n := len(r.ForMode(ModeFull).Checks()); n != 2 {
		t.Fatalf("full mode: expected 2 checks, got %d", n)
	}
}

func defaultHolder(t *testing.T) *policy.Holder {
	t.Helper()
	p, err := policy.Parse([]byte(policy.DefaultPolicyYAML()))
	if err != nil {
		t.Fatal(err)
	}
	c, err := policy.Compile(p, "sha256:test")
	if err != nil {
		t.Fatal(err)
	}
	return policy.NewHolder(c)
}

func TestRuleEngine(t *testing.T) {
	e, err := NewRuleEngine()
	if err != nil {
		t.Fatal(err)
	}
	h := defaultHolder(t)
	p := h.Current().Policy

	tests := []struct {
		expr string
		want bool
	}{
		{"policy.rate_limit.requests_per_minute > 0", true},
		{"policy.max_input_length <= 4000", false},
		{"policy.features.kill_switch_enabled", true},
		{"policy.obfuscation.max_non_printable_ratio < 0.5", true},
		{"size(policy.patterns) >= 10", true},
		{"state.locked == false", true},
	}
	for _, tt := range tests {
		ok, err := e.Eval(policy.HealthRule{Name: "t", Expr: tt.expr}, p, map[string]any{"locked": false})
		if err != nil {
			t.Errorf("%s: %v", tt.expr, err)
			continue
		}
		if ok != tt.want {
			t.Errorf("%s: got %v want %v", tt.expr, ok, tt.want)
		}
	}

	if err := e.Validate([]policy.HealthRule{{Name: "bad", Expr: "policy.("}}); err == nil {
		t.Error("expected compile error")
	}
	if err := e.Validate([]policy.HealthRule{{Name: "str", Expr: `"x"`}}); err == nil {
		t.Error("expected non-bool rule to be rejected")
	}
}

func TestRulesCheckReportsFailureMessage(t *testing.T) {
	e, _ := NewRuleEngine()
	h := defaultHolder(t)
	h.Current().Policy.HealthRules = []policy.HealthRule{
		{Name: "strict", Expr: "policy.strict_mode", FailureMsg: "strict mode is off"},
	}
	res := RulesCheck(e, h, nil).Run(context.Background())
	if res.Status != model.StatusFail || !strings.Contains(res.Detail, "strict mode is off") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBuiltinsOnHealthyDeployment(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "incidents.jsonl")
	j, err := audit.Open(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	artifact := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(artifact, []byte(policy.DefaultPolicyYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	det := integrity.NewDetector(integrity.NewMemoryStore(), integrity.WithJournal(j))
	if _, err := det.CaptureBaseline(context.Background(), []string{artifact}, "test"); err != nil {
		t.Fatal(err)
	}
	rules, _ := NewRuleEngine()

	reg := Builtins(Deps{
		Holder:         defaultHolder(t),
		Rules:          rules,
		KillSwitch:     stateStub{model.Operational},
		JournalPath:    journalPath,
		Detector:       det,
		SensitiveFiles: []string{artifact},
	})
	rep := RunChecks(context.Background(), reg, time.Second)
	for _, r := range rep.Results {
		if r.Status != model.StatusPass {
			t.Errorf("%s: %s %s", r.Name, r.Status, r.Detail)
		}
	}
	if rep.Tier != model.TierExcellent {
		t.Fatalf("expected excellent, got %d %s", rep.Score, rep.Tier)
	}

	if err := os.Chmod(artifact, 0644); err != nil {
		t.Fatal(err)
	}
	rep = RunChecks(context.Background(), reg, time.Second)
	var perm, drift Result
	for _, r := range rep.Results {
		switch r.Name {
		case "file permissions":
			perm = r
		case "drift absent":
			drift = r
		}
	}
	if perm.Status != model.StatusFail {
		t.Errorf("expected loose permissions to fail, got %+v", perm)
	}
	if drift.Status != model.StatusPass {
		t.Errorf("chmod does not change content, expected no drift, got %+v", drift)
	}
}

func TestInjectionCountThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{JournalPath: path}

	for i := 0; i < 11; i++ {
		j.Record(model.IncidentRecord{EventType: model.EventInjectionDetected})
	}
	if res := deps.injectionCount(context.Background()); res.Status != model.StatusWarn {
		t.Fatalf("expected warn over 10, got %+v", res)
	}
	for i := 0; i < 40; i++ {
		j.Record(model.IncidentRecord{EventType: model.EventInjectionDetected})
	}
	j.Close()
	if res := deps.injectionCount(context.Background()); res.Status != model.StatusFail {
		t.Fatalf("expected fail over 50, got %+v", res)
	}
}

func TestAggregatorJournalsCriticalAndActivates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	var reasons []string
	agg := NewAggregator(registryOf(1, 4), j, func(_ context.Context, reason string) error {
		reasons = append(reasons, reason)
		return nil
	}, zerolog.Nop())

	rep := agg.Run(context.Background(), ModeFull)
	if rep.Tier != model.TierCritical {
		t.Fatalf("expected critical, got %s", rep.Tier)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected one activation, got %v", reasons)
	}
	n, _ := audit.CountByType(path, model.EventHealthCritical, time.Time{})
	if n != 1 {
		t.Fatalf("expected one health_critical record, got %d", n)
	}

	agg = NewAggregator(registryOf(9, 1), j, func(context.Context, string) error {
		t.Fatal("non-critical report must not activate")
		return nil
	}, zerolog.Nop())
	agg.Run(context.Background(), ModeFull)
}
