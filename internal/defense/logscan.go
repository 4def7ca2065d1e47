package defense

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

const (
	// logScanActor is the journal actor for hits found in runtime logs.
	logScanActor = "logscan"
	// maxLogLine bounds one evaluated window. Longer lines are screened in
	// overlapping windows so a pattern across a boundary is still seen.
	maxLogLine    = 4096
	logLineSpill  = 256
	maxReadPerRun = 8 << 20
)

// LogHit is one rejected line found in a runtime log.
type LogHit struct {
	File     string         `json:"file"`
	Offset   int64          `json:"offset"`
	Reason   string         `json:"reason"`
	Severity model.Severity `json:"severity,omitempty"`
	Rules    []string       `json:"rules,omitempty"`
}

// LogScanResult summarises one pass over the runtime logs.
type LogScanResult struct {
	Files    int      `json:"files"`
	Lines    int      `json:"lines"`
	Rejected int      `json:"rejected"`
	Hits     []LogHit `json:"hits,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

type logCursor struct {
	offset int64
	info   os.FileInfo
}

// LogScanner tails runtime log files and screens every new line through an
// Engine, so hits are journaled and count toward the threshold trigger.
// Files that exist when the scanner is created are read from their current
// end; files that appear later are read from the start. A file that shrinks
// or is replaced is read again from the start.
type LogScanner struct {
	engine *Engine
	files  []string
	logger zerolog.Logger

	mu      sync.Mutex
	cursors map[string]*logCursor
}

// NewLogScanner creates a scanner over files.
func NewLogScanner(engine *Engine, files []string, logger zerolog.Logger) *LogScanner {
	s := &LogScanner{
		engine:  engine,
		files:   files,
		logger:  logger.With().Str("component", "logscan").Logger(),
		cursors: make(map[string]*logCursor, len(files)),
	}
	for _, f := range files {
		c := &logCursor{}
		if info, err := os.Stat(f); err == nil {
			c.offset, c.info = info.Size(), info
		}
		s.cursors[f] = c
	}
	return s
}

// Files returns the watched log paths.
func (s *LogScanner) Files() []string { return s.files }

// Scan reads the lines appended since the previous scan. Without a loaded
// policy nothing is read and the offsets stay put, so the lines are screened
// once a policy is back.
func (s *LogScanner) Scan(ctx context.Context) (LogScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res LogScanResult
	if s.engine.holder.Current() == nil {
		err := s.engine.holder.Err()
		if err == nil {
			err = fmt.Errorf("%w: no policy loaded", policy.ErrConfigInvalid)
		}
		return res, fmt.Errorf("%w: %w", errPolicyUnavailable, err)
	}
	for _, path := range s.files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Files++
		if err := s.scanFile(ctx, path, &res); err != nil {
			if errors.Is(err, errPolicyUnavailable) {
				return res, err
			}
			s.logger.Warn().Err(err).Str("file", path).Msg("runtime log unreadable")
			res.Errors = append(res.Errors, err.Error())
		}
	}
	if res.Rejected > 0 {
		s.logger.Warn().Int("rejected", res.Rejected).Int("lines", res.Lines).Msg("injection attempts found in runtime logs")
	}
	return res, nil
}

var errPolicyUnavailable = errors.New("policy unavailable")

func (s *LogScanner) scanFile(ctx context.Context, path string, res *LogScanResult) error {
	cur := s.cursors[path]
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cur.offset, cur.info = 0, nil
		return nil
	}
	if err != nil {
		return err
	}
	if (cur.info != nil && !os.SameFile(cur.info, info)) || info.Size() < cur.offset {
		s.logger.Info().Str("file", path).Msg("runtime log rotated, reading from start")
		cur.offset = 0
	}
	cur.info = info
	if info.Size() == cur.offset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(cur.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(io.LimitReader(f, maxReadPerRun))
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		// A trailing line without a newline is still being written.
		if errors.Is(err, io.EOF) && len(line) < maxLogLine {
			return nil
		}
		if trimmed := trimEOL(line); trimmed != "" {
			res.Lines++
			if err := s.screen(ctx, path, cur.offset, trimmed, res); err != nil {
				return err
			}
		}
		cur.offset += int64(len(line))
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func (s *LogScanner) screen(ctx context.Context, path string, offset int64, line string, res *LogScanResult) error {
	source := fmt.Sprintf("%s:%d", path, offset)
	for _, window := range windows(line, maxLogLine, logLineSpill) {
		v, err := s.engine.EvaluateSource(ctx, logScanActor, source, window)
		if err != nil {
			return fmt.Errorf("%w: %w", errPolicyUnavailable, err)
		}
		if v.Allowed {
			continue
		}
		res.Rejected++
		res.Hits = append(res.Hits, LogHit{
			File:     path,
			Offset:   offset,
			Reason:   v.Reason,
			Severity: v.Severity,
			Rules:    v.MatchedRules,
		})
		return nil
	}
	return nil
}

// windows splits s into chunks of at most size bytes, each overlapping the
// previous by spill bytes.
func windows(s string, size, spill int) []string {
	if len(s) <= size {
		return []string{s}
	}
	var out []string
	for start := 0; ; start += size - spill {
		end := start + size
		if end >= len(s) {
			return append(out, s[start:])
		}
		out = append(out, s[start:end])
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
