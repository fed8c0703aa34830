// Package executor implements the hermetic action executor: running a
// command under resource limits and (where the OS supports it) filesystem
// isolation, capturing its outputs and resource usage (spec §4.F).
package executor

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
)

// IsolationPolicy selects how strictly the caller wants isolation
// enforced. Strict rejects non-hermetic results outright; BestEffort
// accepts them with the NonHermetic flag set (spec §4.F).
type IsolationPolicy int

const (
	BestEffort IsolationPolicy = iota
	Strict
)

// ResourceLimits bounds what a single action may consume (spec §4.F).
// Zero fields mean "no limit".
type ResourceLimits struct {
	CPUTime      time.Duration
	WallTime     time.Duration
	MemoryBytes  int64
	MaxFDs       int
	MaxProcesses int
}

// ExecutionSpec is the input to Run (spec §4.F).
type ExecutionSpec struct {
	Argv  []string
	Env   []string
	Dir   string

	// DeclaredInputs/DeclaredOutputs are the paths the command is
	// contractually limited to reading/writing. The hermetic backend
	// enforces this; the best-effort backend records it but cannot enforce
	// it (spec §4.F).
	DeclaredInputs  []string
	DeclaredOutputs []string

	Limits    ResourceLimits
	Isolation IsolationPolicy
}

// ResourceUsage is filled in from platform-specific accounting facilities
// after the command exits (spec §4.F).
type ResourceUsage struct {
	CPUTime       time.Duration
	PeakMemory    int64
	IOReadBytes   int64
	IOWriteBytes  int64
}

// ExecutionResult is the output of Run (spec §4.F).
type ExecutionResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Usage    ResourceUsage

	// OutputHashes maps each declared output path that actually exists
	// after the run to its content digest.
	OutputHashes map[string]fhash.Digest

	// NonHermetic is set when the backend could not enforce isolation
	// (spec §4.F: "the executor degrades to best-effort isolation and
	// records a non-hermetic flag in the result").
	NonHermetic bool

	// LimitKind is set when the backend detected the process was killed by
	// a resource limit it actively enforced (currently "cpu_time"; see
	// limitKindFromExit). Run turns this into a LimitExceededError.
	LimitKind string
}

// LimitExceededError is returned when a resource limit is exceeded and the
// process tree was killed as a result (spec §7 LimitExceededError).
type LimitExceededError struct {
	Kind string // "wall_time" | "cpu_time" | "memory" | "fd_count" | "process_count"
}

func (e *LimitExceededError) Error() string {
	return "executor: resource limit exceeded: " + e.Kind
}

// Backend runs one command under whatever isolation it can provide.
type Backend interface {
	// run executes spec and returns a result. Backends do not themselves
	// hash declared outputs; Run (the package-level orchestrator) does that
	// uniformly after a backend returns, so every backend's OutputHashes
	// computation is identical regardless of isolation strategy.
	run(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error)
}

// Executor runs ExecutionSpecs via a selected Backend, applying the
// declared-output-overlap rejection and output hashing uniformly
// (spec §5: "Declared-output paths per action are required to be disjoint;
// the executor detects and rejects overlap").
type Executor struct {
	backend Backend
}

// New returns an Executor using the best available backend for the current
// platform: a Linux namespace sandbox where supported, best-effort
// elsewhere (spec §4.F).
func New() *Executor {
	return &Executor{backend: defaultBackend()}
}

// NewWithBackend allows tests to inject a fake backend.
func NewWithBackend(b Backend) *Executor {
	return &Executor{backend: b}
}

// Run executes spec, honoring spec.Limits.WallTime via ctx, and hashes
// every declared output that exists afterward. If spec.Isolation is Strict
// and the backend could not provide hermetic isolation, Run returns an
// error instead of the result (spec §4.F: "The caller may choose to reject
// non-hermetic results (strict mode)").
func (e *Executor) Run(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error) {
	if err := checkDisjointOutputs(spec.DeclaredOutputs); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Limits.WallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Limits.WallTime)
		defer cancel()
	}

	result, err := e.backend.run(runCtx, spec)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &LimitExceededError{Kind: "wall_time"}
	}
	if err != nil {
		return nil, err
	}
	if result.LimitKind != "" {
		return nil, &LimitExceededError{Kind: result.LimitKind}
	}

	if spec.Isolation == Strict && result.NonHermetic {
		return nil, xerrors.New("executor: strict isolation requested but backend could not enforce it")
	}

	result.OutputHashes = make(map[string]fhash.Digest, len(spec.DeclaredOutputs))
	for _, path := range spec.DeclaredOutputs {
		d, err := fhash.File(path)
		if err != nil {
			continue // not produced; absent from the map
		}
		result.OutputHashes[path] = d
	}

	return result, nil
}

func checkDisjointOutputs(outputs []string) error {
	seen := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		if seen[o] {
			return xerrors.Errorf("executor: declared outputs overlap at %q", o)
		}
		seen[o] = true
	}
	return nil
}

// capBuffer is a small helper shared by backends to cap how much of
// stdout/stderr is retained in memory, matching the "captured stderr tail"
// failure report field from spec §7.
const maxCapturedOutput = 64 << 10 // 64 KiB

func capBuffer(buf *bytes.Buffer) []byte {
	b := buf.Bytes()
	if len(b) <= maxCapturedOutput {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[len(b)-maxCapturedOutput:]...)
}
