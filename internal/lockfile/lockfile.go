// Package lockfile implements an advisory cross-process guard file created
// with O_EXCL. The file holds an owner token so that only the owner removes
// it, and a guard older than its stale age may be taken over.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another owner holds a live guard.
var ErrHeld = errors.New("lockfile: guard held by another owner")

// ErrNotOwner is returned by Release when the guard was taken over.
var ErrNotOwner = errors.New("lockfile: guard no longer owned")

// Guard is a held guard file.
type Guard struct {
	path  string
	token []byte
	stale bool
}

// TryAcquire creates the guard at path. A guard whose modification time is
// older than staleAfter is moved aside and replaced; anything else is
// ErrHeld.
func TryAcquire(path string, staleAfter time.Duration) (*Guard, error) {
	host, _ := os.Hostname()
	token := []byte(fmt.Sprintf("pid=%d host=%s owner=%s at=%s\n",
		os.Getpid(), host, uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano)))

	tookOver := false
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.Write(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("lockfile: write %s: %w", path, errors.Join(werr, cerr))
			}
			return &Guard{path: path, token: token, stale: tookOver}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}
		if !takeOverStale(path, staleAfter) {
			return nil, ErrHeld
		}
		tookOver = true
	}
	return nil, ErrHeld
}

// Acquire retries TryAcquire every poll until it succeeds or wait elapses.
func Acquire(path string, staleAfter, wait, poll time.Duration) (*Guard, error) {
	deadline := time.Now().Add(wait)
	for {
		g, err := TryAcquire(path, staleAfter)
		if !errors.Is(err, ErrHeld) || !time.Now().Before(deadline) {
			return g, err
		}
		time.Sleep(poll)
	}
}

// ReplacedStale reports whether acquiring displaced an abandoned guard.
func (g *Guard) ReplacedStale() bool { return g.stale }

// Release removes the guard if this Guard still owns it.
func (g *Guard) Release() error {
	current, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("lockfile: read %s: %w", g.path, err)
	}
	if !bytes.Equal(current, g.token) {
		return ErrNotOwner
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", g.path, err)
	}
	return nil
}

// takeOverStale reports whether the caller should retry creating the
// guard: either it vanished or a stale guard was removed. Removal of a
// foreign guard happens only under the takeover guard and only when the
// content still equals what was judged stale, so a fresh guard is never
// removed.
func takeOverStale(path string, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true
	}
	if err != nil || time.Since(info.ModTime()) <= staleAfter {
		return false
	}
	seen, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true
	}
	if err != nil {
		return false
	}

	takeover := path + ".takeover"
	f, err := os.OpenFile(takeover, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if ti, serr := os.Stat(takeover); serr == nil && time.Since(ti.ModTime()) > staleAfter {
			os.Remove(takeover)
		}
		return false
	}
	f.Close()
	defer os.Remove(takeover)

	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true
	}
	if err != nil || !bytes.Equal(current, seen) {
		return false
	}
	return os.Remove(path) == nil
}
