package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// Tail returns the last n records of the journal in file order.
// A missing journal yields no records.
func Tail(path string, n int) ([]model.IncidentRecord, error) {
	var out []model.IncidentRecord
	err := scan(path, func(rec model.IncidentRecord, _ string) {
		out = append(out, rec)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	})
	return out, err
}

// CountByType counts records whose event type contains eventType and whose
// timestamp is not before since. A zero since counts everything.
func CountByType(path string, eventType model.EventType, since time.Time) (int, error) {
	needle := string(eventType)
	count := 0
	err := scan(path, func(rec model.IncidentRecord, raw string) {
		if !strings.Contains(raw, needle) || !strings.Contains(string(rec.EventType), needle) {
			return
		}
		if !since.IsZero() {
			ts, err := time.Parse(model.TimestampFormat, rec.Timestamp)
			if err != nil || ts.Before(since) {
				return
			}
		}
		count++
	})
	return count, err
}

func scan(path string, fn func(rec model.IncidentRecord, raw string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit: open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Text()
		var rec model.IncidentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		fn(rec, raw)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: read journal: %w", err)
	}
	return nil
}
