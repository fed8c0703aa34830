package graph

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Mode selects how cycle detection is enforced while the graph is being
// built (spec §3, §4.E).
type Mode int

const (
	// Deferred accepts all edges and runs one O(V+E) validation at the end.
	// This is the default (spec §9 open question, resolved in DESIGN.md:
	// Deferred is a better default for large graphs).
	Deferred Mode = iota
	// Strict rejects each added edge that would close a cycle, at
	// insertion time (O(V) per insertion).
	Strict
)

// CycleError reports a cycle found by validate(), carrying every member of
// the cyclic path in discovery order (spec §4.E, scenario 3: "both node
// names listed in the cycle path").
type CycleError struct {
	Cycle []TargetId
}

func (e *CycleError) Error() string {
	s := "build graph cycle: "
	for i, id := range e.Cycle {
		if i > 0 {
			s += " -> "
		}
		s += id.String()
	}
	return s
}

// gnode adapts a TargetId to gonum's graph.Node interface.
type gnode struct {
	id     int64
	target TargetId
}

func (n gnode) ID() int64 { return n.id }

// BuildGraph is the mapping TargetId → Node plus forward/reverse edge sets
// (spec §3). Edge u→v in the underlying gonum graph means "u depends on
// v" — the same convention distri's internal/batch uses.
type BuildGraph struct {
	mode Mode

	mu         sync.RWMutex
	nodes      map[TargetId]*Node
	g          *simple.DirectedGraph
	gnodeOf    map[TargetId]gnode
	targetOfID map[int64]TargetId
	nextID     int64
	validated  bool
	depthCache map[TargetId]int
}

// New creates an empty BuildGraph in the given mode.
func New(mode Mode) *BuildGraph {
	return &BuildGraph{
		mode:       mode,
		nodes:      make(map[TargetId]*Node),
		g:          simple.NewDirectedGraph(),
		gnodeOf:    make(map[TargetId]gnode),
		targetOfID: make(map[int64]TargetId),
		depthCache: make(map[TargetId]int),
	}
}

// AddTarget registers a new node for t. Duplicate targets are a ConfigError
// (spec §7).
func (bg *BuildGraph) AddTarget(t Target) error {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	if _, exists := bg.nodes[t.ID]; exists {
		return xerrors.Errorf("graph.AddTarget(%s): %w", t.ID, ErrDuplicateTarget)
	}
	n := newNode(t)
	bg.nodes[t.ID] = n

	gn := gnode{id: bg.nextID, target: t.ID}
	bg.nextID++
	bg.gnodeOf[t.ID] = gn
	bg.targetOfID[gn.id] = t.ID
	bg.g.AddNode(gn)

	bg.validated = false
	return nil
}

// ErrDuplicateTarget is returned by AddTarget for a target already present.
var ErrDuplicateTarget = xerrors.New("duplicate target")

// ErrMissingTarget is returned when an edge references an unknown target.
var ErrMissingTarget = xerrors.New("missing dependency target")

// AddDependency records that from depends on to. Adding the same edge
// twice is a no-op (spec §8 idempotence law). In Strict mode, an edge that
// would close a cycle is rejected immediately with a CycleError.
func (bg *BuildGraph) AddDependency(from, to TargetId) error {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	fn, ok := bg.gnodeOf[from]
	if !ok {
		return xerrors.Errorf("graph.AddDependency(%s -> %s): %w", from, to, ErrMissingTarget)
	}
	tn, ok := bg.gnodeOf[to]
	if !ok {
		return xerrors.Errorf("graph.AddDependency(%s -> %s): %w", from, to, ErrMissingTarget)
	}

	if bg.g.HasEdgeFromTo(fn.id, tn.id) {
		return nil // idempotent
	}

	if bg.mode == Strict {
		if path := bg.reachableLocked(tn.id, fn.id); path != nil {
			return &CycleError{Cycle: append([]TargetId{from}, path...)}
		}
	}

	bg.g.SetEdge(bg.g.NewEdge(fn, tn))
	bg.validated = false
	return nil
}

// reachableLocked returns a path from start to target if target is
// reachable from start by following dependency edges, or nil. Used by
// Strict mode to detect that adding from→to would close a cycle (i.e. to
// can already reach from).
func (bg *BuildGraph) reachableLocked(start, target int64) []TargetId {
	visited := make(map[int64]bool)
	var path []TargetId
	var dfs func(id int64) bool
	dfs = func(id int64) bool {
		if id == target {
			path = append(path, bg.targetOfID[id])
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		it := bg.g.From(id)
		for it.Next() {
			if dfs(it.Node().ID()) {
				path = append(path, bg.targetOfID[id])
				return true
			}
		}
		return false
	}
	if !dfs(start) {
		return nil
	}
	// reverse into discovery order (start -> ... -> target)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Dependencies returns the TargetIds id directly depends on. Spec §3's
// "dependencies: set<TargetId>" / "dependents: set<TargetId>" fields are
// derived on demand from the graph's own edges rather than duplicated per
// node, avoiding the node↔graph pointer cycles Design Notes §9 flags.
func (bg *BuildGraph) Dependencies(id TargetId) []TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	gn, ok := bg.gnodeOf[id]
	if !ok {
		return nil
	}
	var out []TargetId
	it := bg.g.From(gn.id)
	for it.Next() {
		out = append(out, bg.targetOfID[it.Node().ID()])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Dependents returns the TargetIds that directly depend on id.
func (bg *BuildGraph) Dependents(id TargetId) []TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	gn, ok := bg.gnodeOf[id]
	if !ok {
		return nil
	}
	var out []TargetId
	it := bg.g.To(gn.id)
	for it.Next() {
		out = append(out, bg.targetOfID[it.Node().ID()])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Node returns the node for id, or nil.
func (bg *BuildGraph) Node(id TargetId) *Node {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return bg.nodes[id]
}

// Len returns the number of targets in the graph.
func (bg *BuildGraph) Len() int {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return len(bg.nodes)
}

// Targets returns every TargetId in the graph, in lexicographic order.
func (bg *BuildGraph) Targets() []TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	out := make([]TargetId, 0, len(bg.nodes))
	for id := range bg.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Validate checks that the graph is a DAG. In Deferred mode this is where
// cycle detection actually happens (a single 3-color DFS); in Strict mode
// it is a cheap confirmation since every edge insertion was already
// checked. Returns a *CycleError on failure.
func (bg *BuildGraph) Validate() error {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	// Use gonum's topological sort as a fast pre-check; on failure, run our
	// own 3-color DFS to produce a concrete member-named cycle path (spec
	// §4.E: "3-color DFS (white/gray/black) returning the cycle path").
	if _, err := topo.Sort(bg.g); err == nil {
		bg.validated = true
		return nil
	}

	if cyc := bg.findCycleLocked(); cyc != nil {
		return &CycleError{Cycle: cyc}
	}
	// Should not happen if topo.Sort failed, but fail safe.
	return xerrors.New("graph.Validate: topological sort failed but no cycle found")
}

type color int

const (
	white color = iota
	gray
	black
)

func (bg *BuildGraph) findCycleLocked() []TargetId {
	colors := make(map[int64]color, len(bg.nodes))
	var stack []int64
	var cycle []TargetId

	var dfs func(id int64) bool
	dfs = func(id int64) bool {
		colors[id] = gray
		stack = append(stack, id)
		it := bg.g.From(id)
		for it.Next() {
			next := it.Node().ID()
			switch colors[next] {
			case white:
				if dfs(next) {
					return true
				}
			case gray:
				// found the back-edge closing the cycle; extract the
				// portion of stack from next's first occurrence onward.
				start := 0
				for i, v := range stack {
					if v == next {
						start = i
						break
					}
				}
				for _, v := range stack[start:] {
					cycle = append(cycle, bg.targetOfID[v])
				}
				cycle = append(cycle, bg.targetOfID[next])
				return true
			case black:
				// already fully explored, no cycle through here
			}
		}
		colors[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	ids := make([]int64, 0, len(bg.targetOfID))
	for id := range bg.targetOfID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bg.targetOfID[ids[i]].Less(bg.targetOfID[ids[j]]) })

	for _, id := range ids {
		if colors[id] == white {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

// depth returns 0 for leaves and 1+max(depth(dep)) otherwise, memoized
// (spec §4.E).
func (bg *BuildGraph) depth(id TargetId) int {
	if d, ok := bg.depthCache[id]; ok {
		return d
	}
	deps := bg.depsUnlocked(id)
	if len(deps) == 0 {
		bg.depthCache[id] = 0
		return 0
	}
	max := 0
	for _, d := range deps {
		if dd := bg.depth(d); dd > max {
			max = dd
		}
	}
	bg.depthCache[id] = max + 1
	return max + 1
}

// Depth returns the memoized depth of id (0 for a leaf with no deps).
func (bg *BuildGraph) Depth(id TargetId) int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.depth(id)
}

// TopologicalOrder returns every target in dependency-respecting order,
// deterministically: among nodes whose dependencies are already placed,
// ties are broken by (depth descending, TargetId lex ascending) — spec
// §4.E.
func (bg *BuildGraph) TopologicalOrder() ([]TargetId, error) {
	bg.mu.Lock()
	if !bg.validated {
		bg.mu.Unlock()
		if err := bg.Validate(); err != nil {
			return nil, err
		}
		bg.mu.Lock()
	}
	defer bg.mu.Unlock()

	inDegree := make(map[TargetId]int, len(bg.nodes))
	for id := range bg.nodes {
		inDegree[id] = len(bg.depsUnlocked(id))
	}

	var order []TargetId
	remaining := make(map[TargetId]bool, len(bg.nodes))
	for id := range bg.nodes {
		remaining[id] = true
	}

	for len(order) < len(bg.nodes) {
		var candidates []TargetId
		for id := range remaining {
			if inDegree[id] == 0 {
				candidates = append(candidates, id)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			di, dj := bg.depth(candidates[i]), bg.depth(candidates[j])
			if di != dj {
				return di > dj // depth descending
			}
			return candidates[i].Less(candidates[j]) // id ascending
		})
		if len(candidates) == 0 {
			return nil, xerrors.New("graph.TopologicalOrder: no ready candidates but nodes remain (BUG: validate() should have caught this)")
		}
		next := candidates[0]
		order = append(order, next)
		delete(remaining, next)
		it := bg.g.To(bg.gnodeOf[next].id)
		for it.Next() {
			inDegree[bg.targetOfID[it.Node().ID()]]--
		}
	}
	return order, nil
}

// ReadyNodes returns the TargetIds whose dependencies are all in a
// Satisfied terminal state (Success or Cached), excluding nodes that are
// themselves already terminal or Running. Order matches the same
// (depth descending, id ascending) tie-break as TopologicalOrder.
func (bg *BuildGraph) ReadyNodes() []TargetId {
	bg.mu.RLock()
	var ready []TargetId
	for id, n := range bg.nodes {
		if n.Status() != Pending {
			continue
		}
		satisfied := true
		for _, dep := range bg.depsUnlocked(id) {
			if !bg.nodes[dep].Status().Satisfied() {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	bg.mu.RUnlock()

	sort.Slice(ready, func(i, j int) bool {
		di, dj := bg.Depth(ready[i]), bg.Depth(ready[j])
		if di != dj {
			return di > dj
		}
		return ready[i].Less(ready[j])
	})
	return ready
}

func (bg *BuildGraph) depsUnlocked(id TargetId) []TargetId {
	gn, ok := bg.gnodeOf[id]
	if !ok {
		return nil
	}
	var out []TargetId
	it := bg.g.From(gn.id)
	for it.Next() {
		out = append(out, bg.targetOfID[it.Node().ID()])
	}
	return out
}

// Filter returns the TargetIds for which predicate returns true, in
// lexicographic order.
func (bg *BuildGraph) Filter(predicate func(Target) bool) []TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	var out []TargetId
	for id, n := range bg.nodes {
		if predicate(n.Target) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

var _ graph.Node = gnode{}
