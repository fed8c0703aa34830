// Package graph implements the build graph: typed target nodes, edges,
// cycle detection, topological scheduling order, and filtering (spec §3
// TargetId/Target/BuildNode/BuildGraph, §4.E).
package graph

import "fmt"

// TargetId is the total-ordered primary key for graph nodes: (workspace,
// package_path, name). Immutable after construction (spec §3).
type TargetId struct {
	Workspace   string
	PackagePath string
	Name        string
}

// String returns the canonical form workspace//path:name.
func (t TargetId) String() string {
	return fmt.Sprintf("%s//%s:%s", t.Workspace, t.PackagePath, t.Name)
}

// Less implements the total order used to break topological-sort ties
// (spec §4.E: "among ready nodes, break ties by (depth descending,
// target_id lex ascending)").
func (t TargetId) Less(o TargetId) bool {
	if t.Workspace != o.Workspace {
		return t.Workspace < o.Workspace
	}
	if t.PackagePath != o.PackagePath {
		return t.PackagePath < o.PackagePath
	}
	return t.Name < o.Name
}

// Kind classifies what a Target produces.
type Kind int

const (
	KindExecutable Kind = iota
	KindLibrary
	KindTest
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	case KindTest:
		return "test"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// LanguageTag identifies the handler (internal/dispatch) responsible for a
// target.
type LanguageTag string

// Target is a user-declared unit of build work (spec §3, input side).
type Target struct {
	ID       TargetId
	Kind     Kind
	Language LanguageTag

	// Sources is an ordered list of source paths, relative to PackagePath.
	// Order matters: it participates in ActionId.input_hash ordering.
	Sources []string

	// Deps lists explicit dependencies as concrete TargetIds. Symbolic
	// references are not resolved here, and AddTarget adds no edges for
	// them; edges come only from AddDependency.
	Deps []TargetId

	// OutputHint is a suggested output path; handlers may ignore it.
	OutputHint string

	// Config is the language-specific opaque configuration blob. Handlers
	// interpret it; the core never inspects its contents beyond hashing it
	// for cache-key purposes via Metadata.
	Config map[string]string

	Flags map[string]string
}
