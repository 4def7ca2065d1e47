// Package health runs registry-driven diagnostic checks and scores them.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ErrCheckInternal marks a check that could not produce a verdict.
var ErrCheckInternal = errors.New("check internal error")

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Check categories.
const (
	CategoryConfig     = "config"
	CategoryKillSwitch = "killswitch"
	CategoryJournal    = "journal"
	CategoryIntegrity  = "integrity"
)

// SkippedDetail is reported for checks short-circuited by a locked kill
// switch.
const SkippedDetail = "skipped: kill switch locked"

// Mode selects which checks run.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// Result is the outcome of one check.
type Result struct {
	Name     string             `json:"check_name"`
	Category string             `json:"category"`
	Status   model.HealthStatus `json:"status"`
	Detail   string             `json:"detail"`
	Fix      string             `json:"fix,omitempty"`
	Skipped  bool               `json:"skipped,omitempty"`
}

// Pass, Warn and Fail build results for check implementations.
func Pass(detail string) Result { return Result{Status: model.StatusPass, Detail: detail} }
func Warn(detail string) Result { return Result{Status: model.StatusWarn, Detail: detail} }
func Fail(detail string) Result { return Result{Status: model.StatusFail, Detail: detail} }

// Internal records err as a failed result.
func Internal(err error) Result {
	return Fail(fmt.Errorf("%w: %v", ErrCheckInternal, err).Error())
}

// WithFix attaches a remediation hint.
func (r Result) WithFix(fix string) Result {
	r.Fix = fix
	return r
}

// Check is one named diagnostic. A KillSwitch check that fails
// short-circuits the rest of its category.
type Check struct {
	Name       string
	Category   string
	KillSwitch bool
	Run        func(ctx context.Context) Result
}

// Registry is an ordered list of checks.
type Registry struct {
	checks []Check
}

// NewRegistry returns a registry holding checks in order.
func NewRegistry(checks ...Check) *Registry {
	r := &Registry{}
	for _, c := range checks {
		r.Register(c)
	}
	return r
}

// Register appends c.
func (r *Registry) Register(c Check) {
	r.checks = append(r.checks, c)
}

// Checks returns the registered checks in order.
func (r *Registry) Checks() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// ForMode returns the subset for mode. Quick runs the config category only.
func (r *Registry) ForMode(mode Mode) *Registry {
	if mode != ModeQuick {
		return r
	}
	out := &Registry{}
	for _, c := range r.checks {
		if c.Category == CategoryConfig {
			out.checks = append(out.checks, c)
		}
	}
	return out
}

// Report is the aggregate of one run.
type Report struct {
	Results     []Result   `json:"results"`
	Score       int        `json:"score"`
	Tier        model.Tier `json:"tier"`
	Locked      bool       `json:"locked"`
	ElapsedMS   int64      `json:"elapsed_ms"`
	GeneratedAt string     `json:"generated_at"`
}

// Counts returns pass, warn and fail totals, excluding skipped checks.
func (r Report) Counts() (pass, warn, fail int) {
	for _, res := range r.Results {
		if res.Skipped {
			continue
		}
		switch res.Status {
		case model.StatusPass:
			pass++
		case model.StatusWarn:
			warn++
		case model.StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

// Score returns round(100 * pass / total). An empty run scores 100.
func Score(pass, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(pass) / float64(total)))
}

// RunChecks runs every check in reg. Categories run in parallel, and so do
// checks inside a category once its kill-switch checks have passed. Results
// keep registry order. Skipped checks are excluded from the score.
func RunChecks(ctx context.Context, reg *Registry, timeout time.Duration) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	checks := reg.Checks()
	results := make([]Result, len(checks))

	var order []string
	groups := make(map[string][]int)
	for i, c := range checks {
		if _, ok := groups[c.Category]; !ok {
			order = append(order, c.Category)
		}
		groups[c.Category] = append(groups[c.Category], i)
	}

	var locked atomic.Bool
	var wg sync.WaitGroup
	for _, cat := range order {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()

			tripped := false
			for _, i := range idx {
				if !checks[i].KillSwitch {
					continue
				}
				results[i] = runOne(ctx, checks[i], timeout)
				if results[i].Status == model.StatusFail {
					tripped = true
				}
			}
			if tripped {
				locked.Store(true)
				for _, i := range idx {
					if checks[i].KillSwitch {
						continue
					}
					results[i] = Result{
						Name:     checks[i].Name,
						Category: checks[i].Category,
						Status:   model.StatusWarn,
						Detail:   SkippedDetail,
						Skipped:  true,
					}
				}
				return
			}

			var inner sync.WaitGroup
			for _, i := range idx {
				if checks[i].KillSwitch {
					continue
				}
				inner.Add(1)
				go func(i int) {
					defer inner.Done()
					results[i] = runOne(ctx, checks[i], timeout)
				}(i)
			}
			inner.Wait()
		}(groups[cat])
	}
	wg.Wait()

	rep := Report{
		Results:     results,
		Locked:      locked.Load(),
		GeneratedAt: model.Now(),
	}
	pass, warn, fail := rep.Counts()
	rep.Score = Score(pass, pass+warn+fail)
	rep.Tier = model.TierFor(rep.Score)
	rep.ElapsedMS = time.Since(start).Milliseconds()
	return rep
}

func runOne(ctx context.Context, c Check, timeout time.Duration) Result {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Internal(fmt.Errorf("panic: %v", r))
			}
		}()
		if c.Run == nil {
			done <- Internal(errors.New("no run function"))
			return
		}
		done <- c.Run(cctx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-cctx.Done():
		res = Internal(fmt.Errorf("timed out after %s", timeout))
	}
	if res.Status == "" {
		res = Internal(errors.New("check returned no status"))
	}
	res.Name = c.Name
	res.Category = c.Category
	return res
}
