package policy

import (
	"sync/atomic"
)

// Holder publishes the active Compiled snapshot. Readers take one snapshot
// per evaluation cycle; Swap replaces it atomically between cycles.
type Holder struct {
	cur     atomic.Pointer[Compiled]
	lastErr atomic.Pointer[error]
}

// NewHolder returns a Holder initialised with c (which may be nil).
func NewHolder(c *Compiled) *Holder {
	h := &Holder{}
	if c != nil {
		h.cur.Store(c)
	}
	return h
}

// Current returns the active snapshot, or nil when no valid policy has
// been loaded.
func (h *Holder) Current() *Compiled {
	return h.cur.Load()
}

// Swap installs c as the active snapshot.
func (h *Holder) Swap(c *Compiled) {
	h.cur.Store(c)
	h.lastErr.Store(nil)
}

// Invalidate clears the active snapshot so callers fail closed, and
// records why.
func (h *Holder) Invalidate(err error) {
	h.cur.Store(nil)
	h.lastErr.Store(&err)
}

// Err returns the error that caused the last invalidation, if any.
func (h *Holder) Err() error {
	if p := h.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Reload loads path, swaps it in and returns the installed snapshot. A
// failed reload invalidates the holder: a policy that cannot be parsed must
// not keep an older rule set silently in force.
func (h *Holder) Reload(path string) (*Compiled, error) {
	c, err := LoadCompiled(path)
	if err != nil {
		h.Invalidate(err)
		return nil, err
	}
	h.Swap(c)
	return c, nil
}
