// Package event implements a typed, in-process publish/subscribe bus used
// to report build progress (target started/succeeded/failed, cache
// hits/misses) to any number of observers — a terminal status line, a
// Prometheus exporter, a trace file — without those observers coupling to
// the scheduler directly (spec §4.J).
package event

import (
	"time"

	"github.com/forgebuild/forge/internal/graph"
)

// Kind is a bitmask so a single Subscription can listen for several event
// kinds at once (spec §4.J "kind-mask subscriptions").
type Kind uint32

const (
	KindTargetStarted Kind = 1 << iota
	KindTargetSucceeded
	KindTargetFailed
	KindTargetCached
	KindCacheHit
	KindCacheMiss

	// KindBuildStarted/KindBuildCompleted/KindBuildFailed bracket a whole
	// Engine.Build call, rather than a single target (spec §3 Event tagged
	// union, §8 "Empty graph validates and runs to completion with no
	// events besides BuildStarted/BuildCompleted").
	KindBuildStarted
	KindBuildCompleted
	KindBuildFailed

	// KindTargetProgress carries incremental progress for a long-running
	// target (e.g. a handler reporting partial output) without implying
	// completion.
	KindTargetProgress

	// KindStatistics carries the build-wide rolling counters (spec §8
	// scenario 2: "tasks_per_sec in the final statistics event").
	KindStatistics

	// KindMessage is a free-form informational event (e.g. a cache
	// eviction warning) that doesn't fit the target/build lifecycle.
	KindMessage

	KindAll Kind = ^Kind(0)
)

func (k Kind) String() string {
	switch k {
	case KindTargetStarted:
		return "target_started"
	case KindTargetSucceeded:
		return "target_succeeded"
	case KindTargetFailed:
		return "target_failed"
	case KindTargetCached:
		return "target_cached"
	case KindCacheHit:
		return "cache_hit"
	case KindCacheMiss:
		return "cache_miss"
	case KindBuildStarted:
		return "build_started"
	case KindBuildCompleted:
		return "build_completed"
	case KindBuildFailed:
		return "build_failed"
	case KindTargetProgress:
		return "target_progress"
	case KindStatistics:
		return "statistics"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one occurrence reported to the bus (spec §4.J).
type Event struct {
	Kind      Kind
	Target    graph.TargetId
	Err       error
	Timestamp time.Time

	// Fields carries kind-specific extra data (e.g. duration for a
	// completion event) without needing a distinct Go type per Kind.
	Fields map[string]interface{}
}
