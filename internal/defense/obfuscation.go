package defense

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
)

// zeroWidth lists code points that render as nothing and are used to split
// keywords past substring matching.
var zeroWidth = map[rune]bool{
	'\u200B': true,
	'\u200C': true,
	'\u200D': true,
	'\u2060': true,
	'\uFEFF': true,
	'\u180E': true,
	'\u00AD': true,
}

// base64Shape matches runs of either base64 alphabet with optional padding.
var base64Shape = regexp.MustCompile(`[A-Za-z0-9+/_-]+={0,2}`)

func hasZeroWidth(s string) bool {
	for _, r := range s {
		if zeroWidth[r] {
			return true
		}
	}
	return false
}

func stripZeroWidth(s string) string {
	return strings.Map(func(r rune) rune {
		if zeroWidth[r] {
			return -1
		}
		return r
	}, s)
}

// nonPrintableRatio returns the share of runes that are neither printable
// nor ordinary whitespace. Zero-width runes are reported separately and do
// not count here.
func nonPrintableRatio(s string) float64 {
	total, bad := 0, 0
	for _, r := range s {
		total++
		if zeroWidth[r] {
			continue
		}
		switch r {
		case '\n', '\r', '\t':
			continue
		}
		if !unicode.IsPrint(r) {
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}

// decodeSegments returns the printable decodings of every base64-shaped
// substring of s at least minLen long. A run is matched greedily, so a
// payload glued to a word character would be misaligned; each run is
// therefore also decoded from offsets 1 to 3. Results are never decoded
// again.
func decodeSegments(s string, minLen int) []string {
	var out []string
	for _, seg := range base64Shape.FindAllString(s, -1) {
		if len(seg) < minLen {
			continue
		}
		seen := make(map[string]bool, 4)
		for off := 0; off < 4 && off < len(seg); off++ {
			dec, ok := decodeBase64(seg[off:])
			if !ok || seen[dec] {
				continue
			}
			seen[dec] = true
			out = append(out, dec)
		}
	}
	return out
}

func decodeBase64(seg string) (string, bool) {
	trimmed := strings.TrimRight(seg, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(trimmed)
		if err != nil {
			continue
		}
		if s := string(b); printableText(s) {
			return s, true
		}
	}
	return "", false
}

func printableText(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == unicode.ReplacementChar {
			return false
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
