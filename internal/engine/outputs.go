package engine

import (
	"sync"

	"github.com/forgebuild/forge/internal/graph"
)

// outputTracker records each completed target's declared output paths so
// its dependents can resolve them when planning their own actions. It is
// safe for concurrent use: by the time any dependent is scheduled, the
// scheduler guarantees its dependencies already reached a terminal state,
// so writes and reads never race on the same key, but different targets'
// workers still read/write the shared map concurrently.
type outputTracker struct {
	mu   sync.RWMutex
	data map[graph.TargetId][]string
}

func newOutputTracker() *outputTracker {
	return &outputTracker{data: make(map[graph.TargetId][]string)}
}

func (o *outputTracker) set(id graph.TargetId, paths []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[id] = paths
}

func (o *outputTracker) get(id graph.TargetId) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.data[id]
}
