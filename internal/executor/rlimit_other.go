//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

// applyRlimits is a no-op on platforms without POSIX rlimits; wall-time is
// still enforced via context cancellation in Run (spec §4.F degrades to
// best-effort outside Linux).
func applyRlimits(cmd *exec.Cmd, limits ResourceLimits) {}

func rusageOf(ps *os.ProcessState) ResourceUsage { return ResourceUsage{} }

// setProcessRlimits has nothing to enforce outside POSIX platforms.
func setProcessRlimits(limits ResourceLimits) error { return nil }

func limitKindFromExit(ps *os.ProcessState, limits ResourceLimits) (string, bool) {
	return "", false
}
