package executor

import (
	"bytes"
	"context"
	"os/exec"

	"golang.org/x/xerrors"
)

// bestEffort is the platform-independent, no-isolation backend: it runs
// the command directly with whatever filesystem visibility the calling
// process already has. NewBestEffort exposes it explicitly so callers (and
// tests) can opt into it even on platforms whose defaultBackend() would
// otherwise pick the namespace sandbox, e.g. to avoid depending on
// cmd/forge's sandbox-helper re-exec wiring being present in the binary
// under test.
type bestEffort struct{}

// NewBestEffort returns a Backend with no filesystem isolation; every
// result it produces is NonHermetic.
func NewBestEffort() Backend { return bestEffort{} }

func (bestEffort) run(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error) {
	result, err := execAndWait(spec)
	if err != nil {
		return nil, err
	}
	result.NonHermetic = true
	return result, nil
}

// execAndWait performs the actual fork+exec+wait+rusage accounting. It is
// shared between the Linux sandbox helper (invoked after mount namespace
// setup) and the best-effort backend used on other platforms.
func execAndWait(spec ExecutionSpec) (*ExecutionResult, error) {
	if len(spec.Argv) == 0 {
		return nil, xerrors.New("executor: empty argv")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	applyRlimits(cmd, spec.Limits)

	runErr := cmd.Run()

	result := &ExecutionResult{
		Stdout: capBuffer(&stdout),
		Stderr: capBuffer(&stderr),
	}
	if ps := cmd.ProcessState; ps != nil {
		result.ExitCode = ps.ExitCode()
		result.Usage = rusageOf(ps)
		if kind, hit := limitKindFromExit(ps, spec.Limits); hit {
			result.LimitKind = kind
		}
	} else if runErr != nil {
		result.ExitCode = -1
	}
	return result, nil
}
