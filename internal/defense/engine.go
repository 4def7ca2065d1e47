package defense

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

// Engine evaluates inputs against the holder's current snapshot, journals
// rejections and feeds the threshold trigger. Safe for concurrent use.
type Engine struct {
	holder    *policy.Holder
	journal   *audit.Log
	threshold *Threshold
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records injection_detected incidents to j.
func WithJournal(j *audit.Log) Option {
	return func(e *Engine) { e.journal = j }
}

// WithThreshold feeds every verdict to t.
func WithThreshold(t *Threshold) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "defense").Logger() }
}

// NewEngine creates an Engine reading rules from holder.
func NewEngine(holder *policy.Holder, opts ...Option) *Engine {
	e := &Engine{holder: holder, logger: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate screens input. The verdict is always populated. The returned
// error is non-nil only when no valid policy is loaded; it wraps
// policy.ErrConfigInvalid and the verdict rejects with policy_unavailable.
func (e *Engine) Evaluate(ctx context.Context, input string) (model.Verdict, error) {
	return e.evaluate(ctx, input, "defense", "")
}

// EvaluateSource screens input read from source (a file and offset, for
// example) and journals hits under actor. Otherwise it behaves as Evaluate.
func (e *Engine) EvaluateSource(ctx context.Context, actor, source, input string) (model.Verdict, error) {
	return e.evaluate(ctx, input, actor, source)
}

func (e *Engine) evaluate(ctx context.Context, input, actor, source string) (model.Verdict, error) {
	snap := e.holder.Current()
	v := Evaluate(input, snap)

	var hardErr error
	if snap == nil {
		cause := e.holder.Err()
		if cause == nil {
			cause = fmt.Errorf("%w: no policy loaded", policy.ErrConfigInvalid)
		}
		hardErr = cause
	}

	if !v.Allowed || v.HasFlag(model.FlagDecodedMatch) {
		e.record(input, v, actor, source)
	}

	if e.threshold != nil {
		fired, err := e.threshold.Observe(ctx, v)
		if fired {
			e.logger.Warn().Err(err).Msg("critical verdict threshold reached")
		}
	}
	return v, hardErr
}

func (e *Engine) record(input string, v model.Verdict, actor, source string) {
	e.logger.Info().
		Str("actor", actor).
		Str("reason", v.Reason).
		Strs("rules", v.MatchedRules).
		Str("severity", string(v.Severity)).
		Msg("input rejected")

	if e.journal == nil {
		return
	}
	rec := model.IncidentRecord{
		EventType: model.EventInjectionDetected,
		Actor:     actor,
		Reason:    v.Reason,
		Detail:    verdictDetail(input, v),
	}
	if source != "" {
		rec.Detail += " source=" + source
	}
	if _, err := e.journal.Record(rec); err != nil {
		e.logger.Error().Err(err).Msg("journal append failed")
	}
}

// verdictDetail summarises a verdict for the journal. The raw input is
// represented by its length and digest only.
func verdictDetail(input string, v model.Verdict) string {
	sum := sha256.Sum256([]byte(input))
	parts := []string{
		"rules=" + strings.Join(v.MatchedRules, ","),
		"category=" + string(v.Category),
		"severity=" + string(v.Severity),
		fmt.Sprintf("input_len=%d", len(input)),
		"input_sha256=" + hex.EncodeToString(sum[:]),
	}
	if len(v.Flags) > 0 {
		parts = append(parts, "flags="+strings.Join(v.Flags, ","))
	}
	if v.PolicyVersion != "" {
		parts = append(parts, "policy_version="+v.PolicyVersion)
	}
	return strings.Join(parts, " ")
}
