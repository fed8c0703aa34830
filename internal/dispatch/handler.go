// Package dispatch implements the handler contract and registry that route
// each target to the per-language logic responsible for planning and
// executing its build action (spec §4.G, §6 handler contract).
package dispatch

import (
	"context"

	"github.com/forgebuild/forge/internal/action"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/graph"
)

// Plan is what a Handler computes before the cache is consulted: the
// action identity inputs and enough metadata to compute an ActionKey
// (spec §4.C) without yet running anything.
type Plan struct {
	Kind         action.Kind
	InputPaths   []string
	Metadata     map[string]string
	ToolIdentity string
	Outputs      []string
}

// Handler is the per-language build logic contract (spec §6): given a
// target and its already-built dependency outputs, produce a Plan (for
// cache-key computation) and, on a cache miss, an ExecutionSpec to hand to
// the executor.
//
// Handlers replace what a class-hierarchy-per-language design would do
// with inheritance: there is exactly one concrete type per language,
// registered by LanguageTag, with no shared base type and no virtual
// dispatch beyond this interface (Design Notes §9).
type Handler interface {
	LanguageTag() graph.LanguageTag

	// Plan resolves target's declared sources and flags, plus
	// depOutputs (each dependency's produced output paths, keyed by
	// TargetId), into a Plan. It must not run any external command.
	Plan(ctx context.Context, target graph.Target, depOutputs map[graph.TargetId][]string) (Plan, error)

	// BuildExecutionSpec turns a Plan already computed by Plan into the
	// concrete command to execute. Kept separate from Plan so the caller
	// can consult the action cache between the two and skip this entirely
	// on a hit.
	BuildExecutionSpec(ctx context.Context, target graph.Target, plan Plan) (executor.ExecutionSpec, error)
}
