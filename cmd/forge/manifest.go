package main

import (
	"encoding/json"
	"os"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/graph"
)

// manifestTarget is the on-disk shape of one target entry. Workspace
// discovery and a real build-file DSL are out of scope for the core
// (SPEC_FULL.md §1 Non-goals); this is the thinnest possible loader cmd/forge
// needs to turn a file into a graph.BuildGraph, the same way cmd/distri's
// subcommands each wire one build.Ctx from flags rather than owning a
// workspace model themselves.
type manifestTarget struct {
	Package  string            `json:"package"`
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Language string            `json:"language"`
	Sources  []string          `json:"sources"`
	Deps     []string          `json:"deps"` // "package:name", same workspace
	Config   map[string]string `json:"config"`
}

type manifest struct {
	Workspace string           `json:"workspace"`
	Targets   []manifestTarget `json:"targets"`
}

func parseKind(s string) graph.Kind {
	switch s {
	case "executable":
		return graph.KindExecutable
	case "library":
		return graph.KindLibrary
	case "test":
		return graph.KindTest
	default:
		return graph.KindCustom
	}
}

// loadManifest reads path and builds a graph in the given cycle mode. Every
// dependency reference is resolved within the manifest's own workspace;
// cross-workspace references are not supported by this minimal loader.
func loadManifest(path string, mode graph.Mode) (*graph.BuildGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("loadManifest(%s): %w", path, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, xerrors.Errorf("loadManifest(%s): %w", path, err)
	}

	g := graph.New(mode)
	ids := make(map[string]graph.TargetId, len(m.Targets))
	for _, t := range m.Targets {
		id := graph.TargetId{Workspace: m.Workspace, PackagePath: t.Package, Name: t.Name}
		ids[t.Package+":"+t.Name] = id
	}

	for _, t := range m.Targets {
		id := ids[t.Package+":"+t.Name]
		deps := make([]graph.TargetId, 0, len(t.Deps))
		for _, ref := range t.Deps {
			depID, ok := ids[ref]
			if !ok {
				return nil, xerrors.Errorf("loadManifest(%s): target %s: unknown dependency %q", path, id, ref)
			}
			deps = append(deps, depID)
		}
		if err := g.AddTarget(graph.Target{
			ID:       id,
			Kind:     parseKind(t.Kind),
			Language: graph.LanguageTag(t.Language),
			Sources:  t.Sources,
			Deps:     deps,
			Config:   t.Config,
		}); err != nil {
			return nil, xerrors.Errorf("loadManifest(%s): %w", path, err)
		}
	}
	for _, t := range m.Targets {
		id := ids[t.Package+":"+t.Name]
		for _, ref := range t.Deps {
			if err := g.AddDependency(id, ids[ref]); err != nil {
				return nil, xerrors.Errorf("loadManifest(%s): %w", path, err)
			}
		}
	}
	return g, nil
}
