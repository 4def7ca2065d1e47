// Package audit implements the incident journal: an append-only JSONL file
// in which every line carries the SHA-256 of the line before it.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/lockfile"
	"github.com/ppiankov/shieldclaw/internal/model"
)

// GenesisHash is the prev_hash for the first record in a new journal.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Sink receives incidents after they are durably appended. Sink errors
// never fail the append.
type Sink interface {
	Publish(rec model.IncidentRecord) error
}

const (
	lockStaleAfter = 10 * time.Second
	lockWait       = 5 * time.Second
	lockPoll       = 2 * time.Millisecond
)

// Log is the append-only incident journal. Several processes may append to
// the same file: every append holds a guard file and re-reads the chain
// tail when the file changed since this handle last wrote.
type Log struct {
	path     string
	lockPath string
	file     *os.File
	prevHash string
	size     int64
	host     string
	sinks    []Sink
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Open opens (or creates) a journal for appending. The chain tail is
// recovered from the file on the first append.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	host, _ := os.Hostname()
	return &Log{
		path:     path,
		lockPath: path + ".lock",
		file:     file,
		prevHash: GenesisHash,
		size:     -1,
		host:     host,
		logger:   zerolog.Nop(),
	}, nil
}

// SetLogger sets the logger used to report sink failures.
func (l *Log) SetLogger(logger zerolog.Logger) {
	l.logger = logger.With().Str("component", "journal").Logger()
}

// AddSink registers a sink that receives every appended record.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Record appends rec with hash chaining and syncs to disk. ID, Timestamp
// and Host are filled when empty. The returned record is exactly what was
// written.
func (l *Log) Record(rec model.IncidentRecord) (model.IncidentRecord, error) {
	l.mu.Lock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp == "" {
		rec.Timestamp = model.Now()
	}
	if rec.Host == "" {
		rec.Host = l.host
	}
	if rec.Actor == "" {
		rec.Actor = "shieldclaw"
	}

	guard, err := lockfile.Acquire(l.lockPath, lockStaleAfter, lockWait, lockPoll)
	if err != nil {
		l.mu.Unlock()
		return rec, fmt.Errorf("audit: lock journal: %w", err)
	}
	rec, err = l.appendLocked(rec)
	if rerr := guard.Release(); rerr != nil {
		l.logger.Warn().Err(rerr).Str("lock", l.lockPath).Msg("journal lock release")
	}
	if err != nil {
		l.mu.Unlock()
		return rec, err
	}
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(rec); err != nil {
			l.logger.Warn().Err(err).Str("event_type", string(rec.EventType)).Msg("incident sink failed")
		}
	}
	return rec, nil
}

// appendLocked writes rec chained to the file's current last line. The
// caller holds both the mutex and the guard file.
func (l *Log) appendLocked(rec model.IncidentRecord) (model.IncidentRecord, error) {
	if err := l.syncTail(); err != nil {
		return rec, err
	}
	rec.PrevHash = l.prevHash

	line, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return rec, fmt.Errorf("audit: write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return rec, fmt.Errorf("audit: sync: %w", err)
	}
	l.prevHash = HashLine(line)
	if info, err := l.file.Stat(); err == nil {
		l.size = info.Size()
	} else {
		l.size = -1
	}
	return rec, nil
}

// syncTail re-hashes the last line when another writer appended since
// this handle's last write.
func (l *Log) syncTail() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat journal: %w", err)
	}
	if info.Size() == l.size {
		return nil
	}
	last, err := lastLine(l.path, info.Size())
	if err != nil {
		return err
	}
	l.prevHash = GenesisHash
	if len(last) > 0 {
		l.prevHash = HashLine(last)
	}
	l.size = info.Size()
	return nil
}

// lastLine returns the final non-empty line of the first size bytes of
// path, reading backwards in chunks.
func lastLine(path string, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read journal tail: %w", err)
	}
	defer f.Close()

	const chunk = 64 * 1024
	var tail []byte
	pos := size
	for pos > 0 {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, fmt.Errorf("audit: read journal tail: %w", err)
		}
		tail = append(buf, tail...)
		trimmed := bytes.TrimRight(tail, "\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
		if len(tail) > maxLineSize+1 {
			return nil, fmt.Errorf("audit: last journal line exceeds %d bytes", maxLineSize)
		}
	}
	return bytes.TrimRight(tail, "\n"), nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
