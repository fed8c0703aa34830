package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	result *ExecutionResult
	err    error
	delay  time.Duration
}

func (f fakeBackend) run(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestRunRejectsOverlappingOutputs(t *testing.T) {
	e := NewWithBackend(fakeBackend{result: &ExecutionResult{}})
	_, err := e.Run(context.Background(), ExecutionSpec{
		Argv:            []string{"true"},
		DeclaredOutputs: []string{"out.o", "out.o"},
	})
	require.Error(t, err)
}

func TestRunHashesDeclaredOutputsThatExist(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(out, []byte("artifact"), 0644))
	missing := filepath.Join(dir, "missing.bin")

	e := NewWithBackend(fakeBackend{result: &ExecutionResult{ExitCode: 0}})
	result, err := e.Run(context.Background(), ExecutionSpec{
		Argv:            []string{"true"},
		DeclaredOutputs: []string{out, missing},
	})
	require.NoError(t, err)
	require.Contains(t, result.OutputHashes, out)
	require.NotContains(t, result.OutputHashes, missing)
}

func TestRunWallTimeLimitExceeded(t *testing.T) {
	e := NewWithBackend(fakeBackend{result: &ExecutionResult{}, delay: 50 * time.Millisecond})
	_, err := e.Run(context.Background(), ExecutionSpec{
		Argv:   []string{"true"},
		Limits: ResourceLimits{WallTime: 5 * time.Millisecond},
	})
	require.Error(t, err)
	var lee *LimitExceededError
	require.ErrorAs(t, err, &lee)
	require.Equal(t, "wall_time", lee.Kind)
}

func TestRunStrictRejectsNonHermeticResult(t *testing.T) {
	e := NewWithBackend(fakeBackend{result: &ExecutionResult{NonHermetic: true}})
	_, err := e.Run(context.Background(), ExecutionSpec{
		Argv:      []string{"true"},
		Isolation: Strict,
	})
	require.Error(t, err)
}

func TestRunBestEffortAllowsNonHermeticResult(t *testing.T) {
	e := NewWithBackend(fakeBackend{result: &ExecutionResult{NonHermetic: true}})
	_, err := e.Run(context.Background(), ExecutionSpec{
		Argv:      []string{"true"},
		Isolation: BestEffort,
	})
	require.NoError(t, err)
}

func TestRunSurfacesBackendDetectedLimitKind(t *testing.T) {
	e := NewWithBackend(fakeBackend{result: &ExecutionResult{LimitKind: "cpu_time"}})
	_, err := e.Run(context.Background(), ExecutionSpec{Argv: []string{"true"}})
	require.Error(t, err)
	var lee *LimitExceededError
	require.ErrorAs(t, err, &lee)
	require.Equal(t, "cpu_time", lee.Kind)
}

func TestExecAndWaitCapturesExitCodeAndOutput(t *testing.T) {
	dir := t.TempDir()
	result, err := execAndWait(ExecutionSpec{
		Argv: []string{"sh", "-c", "echo hello; exit 3"},
		Dir:  dir,
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.ExitCode)
	require.Contains(t, string(result.Stdout), "hello")
}
