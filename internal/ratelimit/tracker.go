package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Tracker keeps one fixed window per key. Safe for concurrent use.
type Tracker struct {
	limit Limit

	mu      sync.Mutex
	windows map[string]*window
}

// NewTracker creates a tracker enforcing limit for every key.
func NewTracker(limit Limit) *Tracker {
	return &Tracker{limit: limit, windows: make(map[string]*window)}
}

// Allow records an event for key at now unless the key's window is full.
// An expired window is reset before counting.
func (t *Tracker) Allow(key string, now time.Time) CheckResult {
	if !t.limit.Enabled() {
		return CheckResult{Key: key}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[key]
	if w == nil || now.Sub(w.start) >= t.limit.Window {
		w = &window{start: now}
		t.windows[key] = w
	}
	res := Check(w.count, &t.limit)
	res.Key = key
	if !res.Exceeded {
		w.count++
		res.Current = w.count
	}
	return res
}
