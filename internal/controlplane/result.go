package controlplane

import (
	"errors"

	"github.com/ppiankov/shieldclaw/internal/killswitch"
	"github.com/ppiankov/shieldclaw/internal/policy"
)

// Process exit codes.
const (
	ExitOK      = 0 // success, operational, allowed, no drift
	ExitFailure = 1 // rejection, drift, critical health, locked
	ExitUsage   = 2 // usage or missing confirmation
	ExitHard    = 3 // state conflict or invalid policy
)

// Result is the structured outcome of one command.
type Result struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	Code int `json:"-"`
}

func ok(cmd string, data any) Result {
	return Result{OK: true, Command: cmd, Data: data, Code: ExitOK}
}

func failed(cmd string, data any, reason string) Result {
	return Result{OK: false, Command: cmd, Data: data, Error: reason, Code: ExitFailure}
}

func errResult(cmd string, data any, err error) Result {
	return Result{OK: false, Command: cmd, Data: data, Error: err.Error(), Code: ExitCode(err)}
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, killswitch.ErrStateConflict), errors.Is(err, policy.ErrConfigInvalid):
		return ExitHard
	case errors.Is(err, killswitch.ErrConfirmationRequired), errors.Is(err, ErrUsage):
		return ExitUsage
	default:
		return ExitFailure
	}
}

// ErrUsage marks a malformed command invocation.
var ErrUsage = errors.New("usage")
