package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func tid(name string) TargetId {
	return TargetId{Workspace: "ws", PackagePath: "pkg", Name: name}
}

func addLinear(t *testing.T, bg *BuildGraph) (app, lib TargetId) {
	t.Helper()
	lib = tid("lib")
	app = tid("app")
	require.NoError(t, bg.AddTarget(Target{ID: lib}))
	require.NoError(t, bg.AddTarget(Target{ID: app}))
	require.NoError(t, bg.AddDependency(app, lib))
	return app, lib
}

func TestLinearGraphValidatesAndOrders(t *testing.T) {
	bg := New(Deferred)
	app, lib := addLinear(t, bg)

	require.NoError(t, bg.Validate())

	order, err := bg.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []TargetId{lib, app}, order, "lib has no deps so it must be built before app")
}

func TestAddDependencyIsIdempotent(t *testing.T) {
	bg := New(Deferred)
	app, lib := addLinear(t, bg)
	require.NoError(t, bg.AddDependency(app, lib))
	require.Equal(t, []TargetId{lib}, bg.Dependencies(app))
}

func TestDeferredModeRejectsCycleAtValidate(t *testing.T) {
	bg := New(Deferred)
	app, lib := addLinear(t, bg)
	require.NoError(t, bg.AddDependency(lib, app)) // closes the cycle

	err := bg.Validate()
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Contains(t, cycleErr.Cycle, app)
	require.Contains(t, cycleErr.Cycle, lib)
}

func TestStrictModeRejectsCycleAtInsertion(t *testing.T) {
	bg := New(Strict)
	app, lib := addLinear(t, bg)

	err := bg.AddDependency(lib, app)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestAddTargetRejectsDuplicate(t *testing.T) {
	bg := New(Deferred)
	id := tid("dup")
	require.NoError(t, bg.AddTarget(Target{ID: id}))
	err := bg.AddTarget(Target{ID: id})
	require.ErrorIs(t, err, ErrDuplicateTarget)
}

func TestAddDependencyRejectsMissingTarget(t *testing.T) {
	bg := New(Deferred)
	require.NoError(t, bg.AddTarget(Target{ID: tid("a")}))
	err := bg.AddDependency(tid("a"), tid("ghost"))
	require.ErrorIs(t, err, ErrMissingTarget)
}

func TestDepthIsMemoizedAndMonotonic(t *testing.T) {
	bg := New(Deferred)
	a, b, c := tid("a"), tid("b"), tid("c")
	require.NoError(t, bg.AddTarget(Target{ID: a}))
	require.NoError(t, bg.AddTarget(Target{ID: b}))
	require.NoError(t, bg.AddTarget(Target{ID: c}))
	require.NoError(t, bg.AddDependency(b, a))
	require.NoError(t, bg.AddDependency(c, b))

	require.Equal(t, 0, bg.Depth(a))
	require.Equal(t, 1, bg.Depth(b))
	require.Equal(t, 2, bg.Depth(c))
}

func TestReadyNodesOnlyLeavesInitially(t *testing.T) {
	bg := New(Deferred)
	app, lib := addLinear(t, bg)
	require.NoError(t, bg.Validate())

	ready := bg.ReadyNodes()
	require.Equal(t, []TargetId{lib}, ready)

	bg.Node(lib).SetStatus(Success)
	ready = bg.ReadyNodes()
	require.Equal(t, []TargetId{app}, ready)
}

func TestEmptyGraphValidatesAndOrdersEmpty(t *testing.T) {
	bg := New(Deferred)
	require.NoError(t, bg.Validate())
	order, err := bg.TopologicalOrder()
	require.NoError(t, err)
	require.Empty(t, order)
}

func TestFilterByKind(t *testing.T) {
	bg := New(Deferred)
	require.NoError(t, bg.AddTarget(Target{ID: tid("bin"), Kind: KindExecutable}))
	require.NoError(t, bg.AddTarget(Target{ID: tid("lib"), Kind: KindLibrary}))

	libs := bg.Filter(func(t Target) bool { return t.Kind == KindLibrary })
	require.Equal(t, []TargetId{tid("lib")}, libs)
}
