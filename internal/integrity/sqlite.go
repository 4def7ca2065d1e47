package integrity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/shieldclaw/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS baseline (
	artifact    TEXT PRIMARY KEY,
	digest      TEXT NOT NULL,
	content     BLOB,
	captured_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS baseline_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact    TEXT NOT NULL,
	digest      TEXT NOT NULL,
	captured_at TEXT NOT NULL,
	replaced_at TEXT NOT NULL,
	actor       TEXT,
	reason      TEXT
);
`

// SQLiteStore keeps the baseline in a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the baseline database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("integrity: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("integrity: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity: init schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity: restrict %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Snapshot, error) {
	return loadBaseline(ctx, s.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadBaseline(ctx context.Context, q queryer) ([]Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT artifact, digest, content, captured_at FROM baseline ORDER BY artifact`)
	if err != nil {
		return nil, fmt.Errorf("integrity: load baseline: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ArtifactName, &snap.Digest, &snap.Content, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("integrity: scan baseline: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, snaps []Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("integrity: begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM baseline`).Scan(&n); err != nil {
		return fmt.Errorf("integrity: count baseline: %w", err)
	}
	if n > 0 {
		return ErrBaselineExists
	}
	if err := insertBaseline(ctx, tx, snaps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Replace(ctx context.Context, snaps []Snapshot, actor, reason string) ([]Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("integrity: begin: %w", err)
	}
	defer tx.Rollback()

	now := model.Now()
	var prev []Snapshot
	for _, snap := range sorted(snaps) {
		var old Snapshot
		err := tx.QueryRowContext(ctx,
			`SELECT artifact, digest, content, captured_at FROM baseline WHERE artifact = ?`,
			snap.ArtifactName).Scan(&old.ArtifactName, &old.Digest, &old.Content, &old.CapturedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("integrity: load %s: %w", snap.ArtifactName, err)
		default:
			prev = append(prev, old)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO baseline_history (artifact, digest, captured_at, replaced_at, actor, reason)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				old.ArtifactName, old.Digest, old.CapturedAt, now, actor, reason); err != nil {
				return nil, fmt.Errorf("integrity: archive baseline: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO baseline (artifact, digest, content, captured_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(artifact) DO UPDATE SET
			   digest = excluded.digest, content = excluded.content, captured_at = excluded.captured_at`,
			snap.ArtifactName, snap.Digest, snap.Content, snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("integrity: upsert baseline %s: %w", snap.ArtifactName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("integrity: commit: %w", err)
	}
	return prev, nil
}

func insertBaseline(ctx context.Context, tx *sql.Tx, snaps []Snapshot) error {
	for _, snap := range snaps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO baseline (artifact, digest, content, captured_at) VALUES (?, ?, ?, ?)`,
			snap.ArtifactName, snap.Digest, snap.Content, snap.CapturedAt); err != nil {
			return fmt.Errorf("integrity: insert baseline %s: %w", snap.ArtifactName, err)
		}
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact, digest, captured_at, replaced_at, COALESCE(actor, ''), COALESCE(reason, '')
		 FROM baseline_history ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("integrity: load history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ArtifactName, &h.Digest, &h.CapturedAt, &h.ReplacedAt, &h.Actor, &h.Reason); err != nil {
			return nil, fmt.Errorf("integrity: scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
