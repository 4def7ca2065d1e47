package integrity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ErrBaselineExists is returned when capturing over an existing baseline.
// Replacing a baseline requires Rebaseline.
var ErrBaselineExists = errors.New("baseline already exists")

// ErrNoBaseline is returned by drift checks before any capture.
var ErrNoBaseline = errors.New("no baseline captured")

// Snapshot is the recorded digest of one artifact. Content is kept only
// for small structured documents so drift can name changed keys.
type Snapshot struct {
	ArtifactName string `json:"artifact_name"`
	Digest       string `json:"digest"`
	CapturedAt   string `json:"captured_at"`
	Content      []byte `json:"-"`
}

// HistoryEntry is a baseline snapshot that was replaced by Rebaseline.
type HistoryEntry struct {
	Snapshot
	ReplacedAt string `json:"replaced_at"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason"`
}

// Store persists the baseline.
type Store interface {
	// Load returns the current baseline ordered by artifact name.
	Load(ctx context.Context) ([]Snapshot, error)
	// Save stores an initial baseline; ErrBaselineExists if one is present.
	Save(ctx context.Context, snaps []Snapshot) error
	// Replace upserts snaps into the baseline. Only rows for artifacts named
	// in snaps are archived to history; other artifacts are left in place.
	// It returns the replaced snapshots.
	Replace(ctx context.Context, snaps []Snapshot, actor, reason string) ([]Snapshot, error)
	// History returns archived snapshots, oldest first.
	History(ctx context.Context) ([]HistoryEntry, error)
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	current []Snapshot
	history []HistoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.current))
	copy(out, m.current)
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, snaps []Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.current) > 0 {
		return ErrBaselineExists
	}
	m.current = sorted(snaps)
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, snaps []Snapshot, actor, reason string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incoming := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		incoming[s.ArtifactName] = s
	}
	now := model.Now()
	var prev []Snapshot
	merged := make([]Snapshot, 0, len(m.current)+len(snaps))
	for _, s := range m.current {
		if _, ok := incoming[s.ArtifactName]; ok {
			prev = append(prev, s)
			m.history = append(m.history, HistoryEntry{Snapshot: s, ReplacedAt: now, Actor: actor, Reason: reason})
			continue
		}
		merged = append(merged, s)
	}
	for _, s := range incoming {
		merged = append(merged, s)
	}
	m.current = sorted(merged)
	return prev, nil
}

func (m *MemoryStore) History(_ context.Context) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sorted(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, len(snaps))
	copy(out, snaps)
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactName < out[j].ArtifactName })
	return out
}
