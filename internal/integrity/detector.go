package integrity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/audit"
	"github.com/ppiankov/shieldclaw/internal/model"
)

// DriftEvent is one artifact whose current digest differs from baseline.
type DriftEvent struct {
	ArtifactName   string   `json:"artifact_name"`
	BaselineDigest string   `json:"baseline_digest"`
	CurrentDigest  string   `json:"current_digest"`
	Changes        []string `json:"changes,omitempty"`
}

// Check compares digests exactly. An artifact in baseline but absent from
// current is reported with CurrentDigest Missing. Artifacts only present in
// current are not part of the watched set and are ignored. Events are
// ordered by artifact name.
func Check(baseline, current map[string]string) []DriftEvent {
	names := make([]string, 0, len(baseline))
	for name := range baseline {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []DriftEvent
	for _, name := range names {
		want := baseline[name]
		got, ok := current[name]
		if !ok {
			got = Missing
		}
		if got != want {
			events = append(events, DriftEvent{
				ArtifactName:   name,
				BaselineDigest: want,
				CurrentDigest:  got,
			})
		}
	}
	return events
}

// Detector ties a baseline Store to the incident journal.
type Detector struct {
	store   Store
	journal *audit.Log
	logger  zerolog.Logger
	workers int
}

// Option configures a Detector.
type Option func(*Detector)

// WithJournal records baseline and drift incidents to j.
func WithJournal(j *audit.Log) Option {
	return func(d *Detector) { d.journal = j }
}

// WithLogger sets the detector logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) { d.logger = l.With().Str("component", "integrity").Logger() }
}

// WithWorkers bounds parallel hashing.
func WithWorkers(n int) Option {
	return func(d *Detector) { d.workers = n }
}

// NewDetector creates a Detector over store.
func NewDetector(store Store, opts ...Option) *Detector {
	d := &Detector{
		store:   store,
		logger:  zerolog.Nop(),
		workers: DefaultWorkers,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Detector) snapshots(ctx context.Context, artifacts []string) []Snapshot {
	digests := DigestAll(ctx, dedupe(artifacts), d.workers)
	now := model.Now()
	snaps := make([]Snapshot, 0, len(digests))
	for name, digest := range digests {
		snap := Snapshot{ArtifactName: name, Digest: digest, CapturedAt: now}
		if digest != Missing {
			snap.Content = readStructured(name)
		}
		snaps = append(snaps, snap)
	}
	return sorted(snaps)
}

// CaptureBaseline records the initial baseline. It refuses with
// ErrBaselineExists when one is already stored.
func (d *Detector) CaptureBaseline(ctx context.Context, artifacts []string, actor string) ([]Snapshot, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("integrity: no artifacts to baseline")
	}
	existing, err := d.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrBaselineExists
	}

	snaps := d.snapshots(ctx, artifacts)
	if err := d.store.Save(ctx, snaps); err != nil {
		return nil, err
	}
	d.logger.Info().Int("artifacts", len(snaps)).Msg("baseline captured")
	d.record(model.IncidentRecord{
		EventType: model.EventBaselineCaptured,
		Actor:     actor,
		Reason:    "initial baseline",
		Detail:    snapshotDetail(snaps),
	})
	return snaps, nil
}

// Rebaseline explicitly re-records the given artifacts, or every baselined
// artifact when none are named. Artifacts not named keep their stored
// digest. The replaced digests are kept in the store history and listed in
// the journal record.
func (d *Detector) Rebaseline(ctx context.Context, artifacts []string, actor, reason string) ([]Snapshot, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("integrity: rebaseline requires a reason")
	}
	if len(artifacts) == 0 {
		prev, err := d.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range prev {
			artifacts = append(artifacts, p.ArtifactName)
		}
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("integrity: no artifacts to baseline")
	}

	snaps := d.snapshots(ctx, artifacts)
	prev, err := d.store.Replace(ctx, snaps, actor, reason)
	if err != nil {
		return nil, err
	}

	d.logger.Warn().Str("actor", actor).Str("reason", reason).Int("artifacts", len(snaps)).Msg("baseline replaced")
	d.record(model.IncidentRecord{
		EventType: model.EventBaselineCaptured,
		Actor:     actor,
		Reason:    "rebaseline: " + reason,
		Detail:    "replaced " + snapshotDetail(prev) + " with " + snapshotDetail(snaps),
	})
	return snaps, nil
}

// Baseline returns the stored baseline.
func (d *Detector) Baseline(ctx context.Context) ([]Snapshot, error) {
	return d.store.Load(ctx)
}

// Compare hashes every baselined artifact and returns the drift without
// journaling it.
func (d *Detector) Compare(ctx context.Context) ([]DriftEvent, error) {
	snaps, err := d.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoBaseline
	}
	baseline := make(map[string]string, len(snaps))
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		baseline[s.ArtifactName] = s.Digest
		names = append(names, s.ArtifactName)
	}
	return Check(baseline, DigestAll(ctx, names, d.workers)), nil
}

// CheckDrift hashes every baselined artifact and compares. Every returned
// event appends one drift_detected record, so drift that persists across
// checks keeps showing up in the journal. Artifacts are only read.
func (d *Detector) CheckDrift(ctx context.Context) ([]DriftEvent, error) {
	snaps, err := d.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoBaseline
	}

	baseline := make(map[string]string, len(snaps))
	content := make(map[string][]byte, len(snaps))
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		baseline[s.ArtifactName] = s.Digest
		content[s.ArtifactName] = s.Content
		names = append(names, s.ArtifactName)
	}

	current := DigestAll(ctx, names, d.workers)
	events := Check(baseline, current)

	for i := range events {
		ev := &events[i]
		if ev.CurrentDigest != Missing {
			ev.Changes = changeSummary(content[ev.ArtifactName], readStructured(ev.ArtifactName))
		}

		d.logger.Warn().
			Str("artifact", ev.ArtifactName).
			Str("baseline", ev.BaselineDigest).
			Str("current", ev.CurrentDigest).
			Msg("drift detected")
		d.record(model.IncidentRecord{
			EventType: model.EventDriftDetected,
			Actor:     "integrity",
			Reason:    "digest mismatch: " + ev.ArtifactName,
			Detail:    driftDetail(*ev),
		})
	}

	return events, nil
}

func (d *Detector) record(rec model.IncidentRecord) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Record(rec); err != nil {
		d.logger.Error().Err(err).Str("event_type", string(rec.EventType)).Msg("journal append failed")
	}
}

func snapshotDetail(snaps []Snapshot) string {
	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, s.ArtifactName+"="+s.Digest)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func driftDetail(ev DriftEvent) string {
	detail := fmt.Sprintf("artifact=%s baseline=%s current=%s", ev.ArtifactName, ev.BaselineDigest, ev.CurrentDigest)
	if len(ev.Changes) > 0 {
		detail += " changes=" + strings.Join(ev.Changes, ";")
	}
	return detail
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
