package defense

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// Default sliding window settings.
const (
	DefaultThresholdCount  = 3
	DefaultThresholdWindow = 60 * time.Second
)

// TriggerFunc is invoked when the threshold trips. It is wired to the kill
// switch's Activate.
type TriggerFunc func(ctx context.Context, reason string) error

// Threshold counts critical verdicts in a sliding window and fires its
// trigger once the count is reached. The window is cleared after firing.
type Threshold struct {
	count   int
	window  time.Duration
	trigger TriggerFunc
	now     func() time.Time

	mu   sync.Mutex
	hits []time.Time
}

// NewThreshold creates a Threshold. Non-positive values fall back to the
// defaults.
func NewThreshold(count int, window time.Duration, trigger TriggerFunc) *Threshold {
	if count <= 0 {
		count = DefaultThresholdCount
	}
	if window <= 0 {
		window = DefaultThresholdWindow
	}
	return &Threshold{
		count:   count,
		window:  window,
		trigger: trigger,
		now:     time.Now,
	}
}

// Observe records v if it is a critical rejection. It reports whether the
// trigger fired, along with the trigger's error.
func (t *Threshold) Observe(ctx context.Context, v model.Verdict) (bool, error) {
	if !v.Critical() {
		return false, nil
	}

	t.mu.Lock()
	now := t.now()
	cutoff := now.Add(-t.window)
	kept := t.hits[:0]
	for _, h := range t.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	t.hits = append(kept, now)
	n := len(t.hits)
	if n < t.count {
		t.mu.Unlock()
		return false, nil
	}
	t.hits = nil
	t.mu.Unlock()

	reason := fmt.Sprintf("threshold_exceeded: %d critical verdicts in %s", n, t.window)
	if t.trigger == nil {
		return true, nil
	}
	return true, t.trigger(ctx, reason)
}

// Pending returns the number of critical verdicts currently in the window.
func (t *Threshold) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.window)
	n := 0
	for _, h := range t.hits {
		if h.After(cutoff) {
			n++
		}
	}
	return n
}
