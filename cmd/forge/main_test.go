package main

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvInt64DefaultsOnMissingOrInvalid(t *testing.T) {
	t.Setenv("FORGE_TEST_INT64", "")
	require.Equal(t, int64(42), envInt64("FORGE_TEST_INT64", 42))

	t.Setenv("FORGE_TEST_INT64", "not-a-number")
	require.Equal(t, int64(42), envInt64("FORGE_TEST_INT64", 42))

	t.Setenv("FORGE_TEST_INT64", "1024")
	require.Equal(t, int64(1024), envInt64("FORGE_TEST_INT64", 42))
}

func TestEnvDaysConvertsToDuration(t *testing.T) {
	t.Setenv("FORGE_TEST_DAYS", "")
	require.Equal(t, time.Duration(0), envDays("FORGE_TEST_DAYS"))

	t.Setenv("FORGE_TEST_DAYS", "2")
	require.Equal(t, 48*time.Hour, envDays("FORGE_TEST_DAYS"))
}

func TestResolveWorkersPrefersFlagThenEnv(t *testing.T) {
	t.Setenv("FORGE_PARALLEL", "4")
	require.Equal(t, 8, resolveWorkers(8))
	require.Equal(t, 4, resolveWorkers(0))

	t.Setenv("FORGE_PARALLEL", "")
	require.Equal(t, runtime.NumCPU(), resolveWorkers(0))
}

func TestWorkDirFromManifestPath(t *testing.T) {
	require.Equal(t, "a/b", workDir("a/b/manifest.json"))
	require.Equal(t, ".", workDir("manifest.json"))
}
