package redact

import (
	"net"
	"net/url"
	"strings"
)

// Mode determines whether outbound text is scrubbed.
type Mode string

const (
	ModeAuto   Mode = "auto"   // scrub unless the destination is loopback
	ModeAlways Mode = "always" // always scrub
	ModeNever  Mode = "never"  // send text as journaled
)

// Enabled reports whether text sent to dest should be scrubbed under mode.
// Unknown modes behave like auto.
func Enabled(mode Mode, dest string) bool {
	switch Mode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	default:
		return !isLoopback(dest)
	}
}

func isLoopback(dest string) bool {
	u, err := url.Parse(dest)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
