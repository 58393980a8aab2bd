// ABOUTME: Classifies subprocess exits into recover / do-not-recover decisions.
// ABOUTME: Pure policy; the bridge session acts on the decision it returns.

// Package recovery decides whether a dead agent subprocess should be
// respawned. Deliberate terminations, clean exits, and signal deaths stay
// down; unexpected crashes are brought back with their session resumed.
package recovery

import (
	"fmt"

	"github.com/2389/warren/internal/subprocess"
)

// Decision is the outcome of classifying one exit.
type Decision struct {
	Recover bool
	Reason  string // operator-facing explanation when Recover is false
}

// Classify maps an exit status to a recovery decision.
//
// Exit 0 is a clean finish. Killed means we terminated the process ourselves.
// 127 is the shell's executable-not-found code and respawning would just fail
// again. Codes 128 and above are signal deaths, treated as external
// intervention. Everything else is a crash worth recovering from.
func Classify(status subprocess.ExitStatus) Decision {
	switch {
	case status.Killed:
		return Decision{Reason: "terminated by operator"}
	case status.Code == 0:
		return Decision{Reason: "exited cleanly"}
	case status.Code == 127:
		return Decision{Reason: "agent executable not found"}
	case status.Code >= 128:
		return Decision{Reason: fmt.Sprintf("killed by signal %d", status.Code-128)}
	default:
		return Decision{Recover: true, Reason: fmt.Sprintf("crashed with exit code %d", status.Code)}
	}
}
