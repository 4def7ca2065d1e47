package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/model"
)

func ruleOf(id, pattern string, regex bool) model.PatternRule {
	return model.PatternRule{ID: id, Pattern: pattern, Regex: regex, Category: model.CatOverride, Severity: model.SevHigh}
}

func TestHolderReloadInvalidatesOnError(t *testing.T) {
	path := writePolicy(t, DefaultPolicyYAML())
	h := NewHolder(nil)
	if _, err := h.Reload(path); err != nil {
		t.Fatal(err)
	}
	if h.Current() == nil {
		t.Fatal("expected snapshot after reload")
	}

	if err := os.WriteFile(path, []byte("version: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reload(path); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	if h.Current() != nil {
		t.Fatal("expected holder to fail closed after bad reload")
	}
	if !errors.Is(h.Err(), ErrConfigInvalid) {
		t.Fatalf("expected recorded error, got %v", h.Err())
	}
}

func TestHolderSnapshotsAreIndependent(t *testing.T) {
	p1 := &SecurityPolicy{Version: "1", MaxInputLength: 10, Patterns: []model.PatternRule{ruleOf("a", "x", false)}}
	c1, err := Compile(p1, "h1")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHolder(c1)
	snap := h.Current()

	p2 := &SecurityPolicy{Version: "2", MaxInputLength: 10, Patterns: []model.PatternRule{ruleOf("b", "y", false)}}
	c2, _ := Compile(p2, "h2")
	h.Swap(c2)

	if _, ok := snap.Rule("a"); !ok {
		t.Error("old snapshot lost its rule after swap")
	}
	if _, ok := h.Current().Rule("a"); ok {
		t.Error("new snapshot should not contain old rule")
	}
}

func TestHolderConcurrentReadsDuringSwap(t *testing.T) {
	p := &SecurityPolicy{Version: "1", MaxInputLength: 10}
	c, _ := Compile(p, "")
	h := NewHolder(c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if cur := h.Current(); cur != nil && cur.Policy == nil {
					t.Error("snapshot without policy")
				}
			}
		}()
	}
	for j := 0; j < 200; j++ {
		h.Swap(c)
	}
	wg.Wait()
}

func TestReloaderPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(DefaultPolicyYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	h := NewHolder(nil)
	if _, err := h.Reload(path); err != nil {
		t.Fatal(err)
	}
	oldHash := h.Current().Hash

	r, err := NewReloader(h, path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.debounce = 10 * time.Millisecond
	reloaded := make(chan error, 16)
	r.OnReload = func(err error) {
		select {
		case reloaded <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	updated := DefaultPolicyYAML() + "\n# edited\n"
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatal(err)
	}

	// A reload may observe the truncated file mid-write; wait for a good one.
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case err := <-reloaded:
			done = err == nil
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
	if h.Current().Hash == oldHash {
		t.Error("expected hash to change after reload")
	}
}

func TestOverlappingReloadsDoNotPanic(t *testing.T) {
	path := writePolicy(t, DefaultPolicyYAML())
	h := NewHolder(nil)
	r, err := NewReloader(h, path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer r.watcher.Close()

	var failed, succeeded atomic.Int64
	r.OnReload = func(err error) {
		if err != nil {
			failed.Add(1)
		} else {
			succeeded.Add(1)
		}
	}

	stop := make(chan struct{})
	var flipper sync.WaitGroup
	flipper.Add(1)
	go func() {
		defer flipper.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			body := DefaultPolicyYAML()
			if i%2 == 1 {
				body = "version: ["
			}
			os.WriteFile(path, []byte(body), 0600)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.reload()
				h.Invalidate(errors.New("concurrent invalidate"))
			}
		}()
	}
	wg.Wait()
	close(stop)
	flipper.Wait()

	if failed.Load()+succeeded.Load() != 200 {
		t.Fatalf("expected 200 reload callbacks, got %d", failed.Load()+succeeded.Load())
	}

	c, err := h.Reload(path)
	if err == nil && c != h.Current() {
		t.Fatal("Reload must return the snapshot it installed")
	}
}
