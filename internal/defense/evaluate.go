// Package defense screens inbound text against the active pattern rule set.
package defense

import (
	"strings"

	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

type match struct {
	rule    *policy.CompiledRule
	decoded bool
}

// Evaluate is the pure decision function. It never touches the journal;
// see Engine for the recording wrapper. A nil policy rejects everything.
func Evaluate(input string, c *policy.Compiled) model.Verdict {
	if c == nil || c.Policy == nil {
		return model.Verdict{
			Allowed: false,
			Reason:  model.ReasonPolicyUnavailable,
		}
	}
	p := c.Policy
	v := model.Verdict{PolicyVersion: p.Version}

	if len(input) > p.MaxInputLength {
		v.Reason = model.ReasonLengthExceeded
		return v
	}

	text := input
	if hasZeroWidth(input) {
		v.Flags = append(v.Flags, model.FlagZeroWidth)
		text = stripZeroWidth(input)
	}
	if nonPrintableRatio(input) > p.Obfuscation.MaxNonPrintableRatio {
		v.Flags = append(v.Flags, model.FlagNonPrintable)
	}

	found := make(map[string]*match)
	scan := func(s string, decoded bool) {
		lowered := strings.ToLower(s)
		for _, r := range c.Rules {
			if !r.Match(s, lowered) {
				continue
			}
			if m, ok := found[r.ID]; ok {
				// A direct hit outranks a decoded one for the same rule.
				if !decoded {
					m.decoded = false
				}
				continue
			}
			found[r.ID] = &match{rule: r, decoded: decoded}
		}
	}

	scan(input, false)
	if text != input {
		scan(text, false)
	}
	for _, dec := range decodeSegments(text, p.Obfuscation.MinBase64Length) {
		scan(dec, true)
	}

	if len(found) == 0 {
		if p.StrictMode && (v.HasFlag(model.FlagZeroWidth) || v.HasFlag(model.FlagNonPrintable)) {
			v.Reason = model.ReasonObfuscation
			v.Category = model.CatEncoding
			v.Severity = model.SevHigh
			return v
		}
		v.Allowed = true
		v.Reason = model.ReasonAllowed
		return v
	}

	var best *match
	anyDecoded := false
	for _, r := range c.Rules {
		m, ok := found[r.ID]
		if !ok {
			continue
		}
		v.MatchedRules = append(v.MatchedRules, r.ID)
		if m.decoded {
			anyDecoded = true
		}
		if best == nil || m.rule.Severity.Rank() > best.rule.Severity.Rank() {
			best = m
		}
	}
	if anyDecoded {
		v.Flags = append(v.Flags, model.FlagDecodedMatch)
	}

	v.Category = best.rule.Category
	v.Severity = best.rule.Severity
	if best.decoded {
		v.Reason = model.ReasonEncodedPatternPref + string(best.rule.Category)
	} else {
		v.Reason = model.ReasonPatternPrefix + string(best.rule.Category)
	}
	return v
}
