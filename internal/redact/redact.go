package redact

import (
	"fmt"
	"sort"
	"strings"
)

// Text replaces every sensitive value in s with a placeholder such as
// [CRED_1]. Repeated values share a placeholder.
func Text(s string) string {
	matches := Scan(s)
	if len(matches) == 0 {
		return s
	}

	counts := make(map[PatternType]int)
	placeholder := make(map[string]string, len(matches))
	for _, m := range matches {
		counts[m.Type]++
		placeholder[m.Value] = fmt.Sprintf("[%s_%d]", m.Type, counts[m.Type])
	}

	// Longest values first so a path is replaced before its prefix.
	values := make([]string, 0, len(placeholder))
	for v := range placeholder {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		return len(values[i]) > len(values[j])
	})
	for _, v := range values {
		s = strings.ReplaceAll(s, v, placeholder[v])
	}
	return s
}
