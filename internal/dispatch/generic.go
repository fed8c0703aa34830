package dispatch

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/action"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/graph"
)

// GenericHandler is the reference handler for LanguageTag "generic": it
// runs target.Config["cmd"] through /bin/sh after substituting a small set
// of ${...} tokens, the way distri's build.Ctx.substitute expands
// ${DISTRI_DESTDIR}/${DISTRI_SOURCEDIR}/${DISTRI_RESOLVE:pkg} tokens in
// build step arguments before running them. It exists both as a working
// fallback for targets with no dedicated handler and as a concrete example
// of the Handler contract for tests.
type GenericHandler struct {
	WorkDir string
}

var _ Handler = (*GenericHandler)(nil)

func (h *GenericHandler) LanguageTag() graph.LanguageTag { return "generic" }

// Plan resolves Sources (joined under WorkDir/PackagePath) as the declared
// inputs, Config["outputs"] (comma-separated, same join rule) as declared
// outputs, and Config["tool"] (default "sh") as the tool identity.
func (h *GenericHandler) Plan(ctx context.Context, target graph.Target, depOutputs map[graph.TargetId][]string) (Plan, error) {
	if target.Config["cmd"] == "" {
		return Plan{}, xerrors.Errorf("dispatch: generic handler: target %s has no Config[cmd]", target.ID)
	}

	pkgDir := filepath.Join(h.WorkDir, target.ID.PackagePath)
	inputs := make([]string, 0, len(target.Sources))
	for _, src := range target.Sources {
		inputs = append(inputs, filepath.Join(pkgDir, src))
	}
	for _, dep := range target.Deps {
		inputs = append(inputs, depOutputs[dep]...)
	}

	outputs := splitNonEmpty(target.Config["outputs"])
	for i, o := range outputs {
		outputs[i] = filepath.Join(pkgDir, o)
	}

	tool := target.Config["tool"]
	if tool == "" {
		tool = "sh"
	}

	return Plan{
		Kind:         action.Custom,
		InputPaths:   inputs,
		Metadata:     map[string]string{"cmd": target.Config["cmd"]},
		ToolIdentity: tool,
		Outputs:      outputs,
	}, nil
}

// BuildExecutionSpec substitutes ${OUT}, ${SRCS}, and ${PACKAGE_DIR} in
// Config["cmd"] and wraps the result in an `sh -c` invocation.
func (h *GenericHandler) BuildExecutionSpec(ctx context.Context, target graph.Target, plan Plan) (executor.ExecutionSpec, error) {
	pkgDir := filepath.Join(h.WorkDir, target.ID.PackagePath)
	cmd := target.Config["cmd"]
	cmd = strings.ReplaceAll(cmd, "${PACKAGE_DIR}", pkgDir)
	cmd = strings.ReplaceAll(cmd, "${SRCS}", strings.Join(plan.InputPaths, " "))
	if len(plan.Outputs) > 0 {
		cmd = strings.ReplaceAll(cmd, "${OUT}", plan.Outputs[0])
	}

	return executor.ExecutionSpec{
		Argv:            []string{"sh", "-c", cmd},
		Dir:             pkgDir,
		DeclaredInputs:  plan.InputPaths,
		DeclaredOutputs: plan.Outputs,
	}, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
