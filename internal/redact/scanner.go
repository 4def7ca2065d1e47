// Package redact scrubs credentials and host identifiers from incident text
// before it leaves the machine.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternKey   PatternType = "KEY"
	PatternCred  PatternType = "CRED"
	PatternPath  PatternType = "PATH"
	PatternIP    PatternType = "IP"
	PatternHost  PatternType = "HOST"
	PatternEmail PatternType = "EMAIL"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// Provider API keys and bearer tokens with recognisable prefixes.
	keyRe = regexp.MustCompile(`\b(?:sk-(?:ant-)?[A-Za-z0-9_\-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|xox[abprs]-[A-Za-z0-9\-]{10,})\b`)

	bearerRe = regexp.MustCompile(`(?i)\bbearer[ \t]+[A-Za-z0-9._~+/=\-]{12,}`)

	// key=value pairs where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+`)

	pathRe = regexp.MustCompile(`/(?:home|var|etc|root|usr|tmp|opt|srv)/\S+`)

	ipv4Re = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

	hostRe = regexp.MustCompile(`\b[a-zA-Z0-9][-a-zA-Z0-9]*(?:\.[-a-zA-Z0-9]+)+\.[a-zA-Z]{2,}\b`)

	emailRe = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
)

var safeIPs = map[string]bool{
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"255.255.255.255": true,
}

// Scan finds sensitive values in text and returns them deduplicated and
// sorted by position. Secrets are scanned first so that a token embedded
// in a path or host is reported as a secret.
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, start, end int) {
		value := strings.TrimRight(text[start:end], ".,;:\"'`)}]")
		if value == "" || seen[value] || covered(matches, start) {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}
	each := func(re *regexp.Regexp, typ PatternType, skip func(string) bool) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if skip != nil && skip(text[loc[0]:loc[1]]) {
				continue
			}
			add(typ, loc[0], loc[1])
		}
	}

	each(keyRe, PatternKey, nil)
	each(bearerRe, PatternCred, nil)
	each(credKVRe, PatternCred, nil)
	each(pathRe, PatternPath, nil)
	each(emailRe, PatternEmail, nil)
	each(ipv4Re, PatternIP, func(v string) bool { return safeIPs[v] })
	each(hostRe, PatternHost, isIPLike)

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

func covered(matches []Match, pos int) bool {
	for _, m := range matches {
		if pos >= m.Start && pos < m.End {
			return true
		}
	}
	return false
}

func isIPLike(s string) bool {
	for _, c := range s {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
