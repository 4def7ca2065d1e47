package integrity

import (
	"fmt"
	"os"
	"strings"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/shieldclaw/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), VerifySelf falls back to the checksum file.
var ExpectedHash string

// ChecksumPaths are checked in order for a file holding the expected hex
// digest of the shieldclaw binary. Override for testing.
var ChecksumPaths = []string{
	"/etc/shieldclaw/binary.sha256",
	"$HOME/.shieldclaw/binary.sha256",
}

// SelfResult describes the running binary's checksum state.
type SelfResult struct {
	Binary   string
	Expected string
	Actual   string
}

// DevBuild reports whether no expected hash was available.
func (r SelfResult) DevBuild() bool { return r.Expected == "" }

// Match reports whether the binary matches the expected hash.
func (r SelfResult) Match() bool { return r.Expected != "" && r.Expected == r.Actual }

// VerifySelf hashes the running binary and compares it with ExpectedHash or
// the first valid checksum file.
func VerifySelf() (SelfResult, error) {
	exePath, err := os.Executable()
	if err != nil {
		return SelfResult{}, fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	actual, err := HashFile(exePath)
	if err != nil {
		return SelfResult{Binary: exePath}, err
	}
	expected := strings.TrimPrefix(ExpectedHash, "sha256:")
	if expected == "" {
		expected = loadChecksumFile()
	}
	res := SelfResult{Binary: exePath, Actual: actual}
	if expected != "" {
		res.Expected = "sha256:" + strings.ToLower(expected)
	}
	return res, nil
}

func loadChecksumFile() string {
	for _, p := range ChecksumPaths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		hash := strings.TrimSpace(string(data))
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
