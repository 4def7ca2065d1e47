package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloader watches the policy file and hot-swaps the Holder snapshot.
type Reloader struct {
	watcher  *fsnotify.Watcher
	holder   *Holder
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
	// OnReload, when set, is called after every reload attempt.
	OnReload func(err error)
}

// NewReloader creates a watcher on the directory containing path, so
// editors that replace the file via rename are still observed.
func NewReloader(holder *Holder, path string, logger zerolog.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy directory %q: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	return &Reloader{
		watcher:  watcher,
		holder:   holder,
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		logger:   logger.With().Str("component", "policy_reloader").Logger(),
	}, nil
}

// Run watches for changes and reloads the policy. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (r *Reloader) reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.holder.Reload(r.path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("policy reload failed, failing closed")
	} else {
		r.logger.Info().Str("version", c.Policy.Version).Str("hash", c.Hash).Int("rules", len(c.Rules)).Msg("policy reloaded")
	}
	if r.OnReload != nil {
		r.OnReload(err)
	}
}
