// Package integrity records content digests of configuration artifacts and
// reports drift against a stored baseline. It never modifies artifacts.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Missing is the digest recorded for an artifact that cannot be read.
const Missing = "MISSING"

// ErrArtifactUnreadable is returned by HashFile when the artifact cannot be
// opened or read. Callers record it as Missing.
var ErrArtifactUnreadable = errors.New("artifact unreadable")

// DefaultWorkers bounds parallel hashing.
const DefaultWorkers = 8

// HashFile returns "sha256:<hex>" of the file content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArtifactUnreadable, path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArtifactUnreadable, path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// DigestAll hashes artifacts with at most workers goroutines. Unreadable
// artifacts map to Missing.
func DigestAll(ctx context.Context, artifacts []string, workers int) map[string]string {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	out := make(map[string]string, len(artifacts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for _, a := range artifacts {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			digest := Missing
			select {
			case sem <- struct{}{}:
				if d, err := HashFile(path); err == nil {
					digest = d
				}
				<-sem
			case <-ctx.Done():
			}
			mu.Lock()
			out[path] = digest
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}
