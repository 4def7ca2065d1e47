package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// CompiledRule is a PatternRule ready for matching.
type CompiledRule struct {
	model.PatternRule
	re    *regexp.Regexp
	lower string
}

// Match reports whether the rule matches s. Substring rules compare
// case-insensitively against lowered, which must be strings.ToLower(s).
func (r *CompiledRule) Match(s, lowered string) bool {
	if r.re != nil {
		return r.re.MatchString(s)
	}
	return strings.Contains(lowered, r.lower)
}

// Compiled is an immutable snapshot of a policy and its rule set. A new
// Compiled is built for every reload; existing snapshots are never mutated,
// so a rule referenced by a Verdict always exists in the snapshot that
// produced it.
type Compiled struct {
	Policy *SecurityPolicy
	Hash   string
	Rules  []*CompiledRule
	byID   map[string]*CompiledRule
}

// Compile builds a Compiled snapshot. Invalid regexes fail the whole
// policy; there is no partial rule set.
func Compile(p *SecurityPolicy, hash string) (*Compiled, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrConfigInvalid)
	}
	c := &Compiled{
		Policy: p,
		Hash:   hash,
		Rules:  make([]*CompiledRule, 0, len(p.Patterns)),
		byID:   make(map[string]*CompiledRule, len(p.Patterns)),
	}
	for _, r := range p.Patterns {
		cr := &CompiledRule{PatternRule: r}
		if r.Regex {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", ErrConfigInvalid, r.ID, err)
			}
			cr.re = re
		} else {
			cr.lower = strings.ToLower(r.Pattern)
		}
		c.Rules = append(c.Rules, cr)
		c.byID[r.ID] = cr
	}
	return c, nil
}

// LoadCompiled loads, validates, and compiles the policy at path.
func LoadCompiled(path string) (*Compiled, error) {
	p, hash, err := LoadWithHash(path)
	if err != nil {
		return nil, err
	}
	return Compile(p, hash)
}

// Rule returns the compiled rule with the given id.
func (c *Compiled) Rule(id string) (*CompiledRule, bool) {
	r, ok := c.byID[id]
	return r, ok
}
