package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/graph"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadManifestBuildsGraphWithDependency(t *testing.T) {
	path := writeManifest(t, `{
		"workspace": "ws",
		"targets": [
			{"package": "pkg", "name": "base", "language": "generic", "config": {"cmd": "true"}},
			{"package": "pkg", "name": "derived", "language": "generic", "deps": ["pkg:base"], "config": {"cmd": "true"}}
		]
	}`)

	g, err := loadManifest(path, graph.Deferred)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	derived := graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "derived"}
	base := graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "base"}
	require.ElementsMatch(t, []graph.TargetId{base}, g.Dependencies(derived))
}

func TestLoadManifestUnknownDependencyIsError(t *testing.T) {
	path := writeManifest(t, `{
		"workspace": "ws",
		"targets": [
			{"package": "pkg", "name": "derived", "language": "generic", "deps": ["pkg:missing"], "config": {"cmd": "true"}}
		]
	}`)

	_, err := loadManifest(path, graph.Deferred)
	require.Error(t, err)
}

func TestLoadManifestMissingFileIsError(t *testing.T) {
	_, err := loadManifest(filepath.Join(t.TempDir(), "nope.json"), graph.Deferred)
	require.Error(t, err)
}
