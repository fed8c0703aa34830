package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/graph"
)

func TestRegistryRejectsDuplicateLanguage(t *testing.T) {
	r := NewRegistry()
	h := &GenericHandler{WorkDir: t.TempDir()}
	require.NoError(t, r.Register(h))
	require.Error(t, r.Register(h))
}

func TestRegistryLookupUnknownLanguage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("rust")
	require.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestGenericHandlerPlanAndExecute(t *testing.T) {
	workDir := t.TempDir()
	pkgDir := filepath.Join(workDir, "pkg")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "in.txt"), []byte("hello"), 0644))

	target := graph.Target{
		ID:       graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"},
		Kind:     graph.KindCustom,
		Language: "generic",
		Sources:  []string{"in.txt"},
		Config: map[string]string{
			"cmd":     "cat ${SRCS} > ${OUT}",
			"outputs": "out.txt",
			"tool":    "sh-4.4",
		},
	}

	h := &GenericHandler{WorkDir: workDir}
	require.Equal(t, graph.LanguageTag("generic"), h.LanguageTag())

	plan, err := h.Plan(context.Background(), target, nil)
	require.NoError(t, err)
	require.Len(t, plan.InputPaths, 1)
	require.Equal(t, "sh-4.4", plan.ToolIdentity)
	require.Len(t, plan.Outputs, 1)

	spec, err := h.BuildExecutionSpec(context.Background(), target, plan)
	require.NoError(t, err)
	require.Equal(t, []string{"sh", "-c", "cat " + plan.InputPaths[0] + " > " + plan.Outputs[0]}, spec.Argv)
	require.Equal(t, plan.Outputs, spec.DeclaredOutputs)
}

func TestGenericHandlerRequiresCmd(t *testing.T) {
	h := &GenericHandler{WorkDir: t.TempDir()}
	target := graph.Target{ID: graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}}
	_, err := h.Plan(context.Background(), target, nil)
	require.Error(t, err)
}
