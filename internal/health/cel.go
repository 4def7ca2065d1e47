package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shieldclaw/internal/policy"
)

// RuleEngine evaluates the policy's declarative health_rules. Each rule is
// a CEL expression over two variables: policy (the active SecurityPolicy
// as a map) and state (runtime facts such as kill switch state).
type RuleEngine struct {
	env *cel.Env
}

// NewRuleEngine creates the CEL environment.
func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("policy", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RuleEngine{env: env}, nil
}

// Validate compiles every rule and reports the first that does not compile
// to a boolean expression.
func (e *RuleEngine) Validate(rules []policy.HealthRule) error {
	for _, r := range rules {
		ast, issues := e.env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %q: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType().String(); t != "bool" && t != "dyn" {
			return fmt.Errorf("rule %q: expression must return bool, got %s", r.Name, t)
		}
	}
	return nil
}

// Eval evaluates rule against the inputs. It returns the rule's pass state,
// or an error when the rule cannot be evaluated.
func (e *RuleEngine) Eval(rule policy.HealthRule, p *policy.SecurityPolicy, state map[string]any) (bool, error) {
	ast, issues := e.env.Compile(rule.Expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("CEL program error: %w", err)
	}
	pm, err := policyToMap(p)
	if err != nil {
		return false, err
	}
	if state == nil {
		state = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"policy": pm,
		"state":  state,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule expression must return boolean, got %T", out.Value())
	}
	return passed, nil
}

// policyToMap round-trips the policy through YAML so integer fields stay
// integers in CEL.
func policyToMap(p *policy.SecurityPolicy) (map[string]any, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return m, nil
}

// RulesCheck evaluates every health rule of the active policy as one check.
// A rule that cannot be evaluated counts as failed.
func RulesCheck(engine *RuleEngine, holder *policy.Holder, state func() map[string]any) Check {
	return Check{
		Name:     "policy health rules",
		Category: CategoryConfig,
		Run: func(ctx context.Context) Result {
			snap := holder.Current()
			if snap == nil {
				return Fail("policy unavailable")
			}
			rules := snap.Policy.HealthRules
			if len(rules) == 0 {
				return Pass("no rules defined")
			}
			var st map[string]any
			if state != nil {
				st = state()
			}
			var failed []string
			for _, r := range rules {
				ok, err := engine.Eval(r, snap.Policy, st)
				switch {
				case err != nil:
					failed = append(failed, fmt.Sprintf("%s: %v", r.Name, err))
				case !ok:
					msg := r.FailureMsg
					if msg == "" {
						msg = "rule failed"
					}
					failed = append(failed, fmt.Sprintf("%s: %s", r.Name, msg))
				}
			}
			if len(failed) > 0 {
				return Fail(strings.Join(failed, "; "))
			}
			return Pass(fmt.Sprintf("%d rules passed", len(rules)))
		},
	}
}
