// Package observability aggregates build events into a rolling health
// snapshot, prints a live terminal status line when attached to a tty, and
// exports Prometheus metrics (spec §4.K).
package observability

import (
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/event"
)

// Status is a coarse health rating derived from a HealthCheckpoint's other
// fields (spec §4.K: "health checkpoints ... derive status from
// thresholds").
type Status string

const (
	Healthy  Status = "healthy"
	Warning  Status = "warning"
	Degraded Status = "degraded"
	Critical Status = "critical"
)

// HealthCheckpoint is a point-in-time snapshot of build progress
// (spec §4.K).
type HealthCheckpoint struct {
	Taken time.Time

	// Uptime is how long the session has been aggregating events, i.e.
	// since the build started.
	Uptime time.Duration

	Total     int
	Started   int
	Succeeded int
	Failed    int
	Cached    int

	// Completed is Succeeded+Failed+Cached: every target that has reached
	// a terminal state.
	Completed int

	// Pending is Total-Started: targets not yet dispatched.
	Pending int

	// Active is Started-but-not-yet-terminal, i.e. currently executing.
	Active int

	// WorkersTotal is the configured worker-pool size.
	WorkersTotal int

	// WorkersActive is Active clamped to [0, WorkersTotal].
	WorkersActive int

	// AvgTaskTime is the mean duration of successfully completed targets
	// that reported a duration (spec §4.K "avg_task_time").
	AvgTaskTime time.Duration

	// TasksPerSecond is a rolling rate computed over the last
	// rollingWindow of completions.
	TasksPerSecond float64

	// WorkerUtilization is Started-but-not-yet-terminal divided by the
	// configured worker count, clamped to [0, 1].
	WorkerUtilization float64

	// Status is derived from the above via statusFor (spec §4.K).
	Status Status
}

const rollingWindow = 10 * time.Second

// Thresholds statusFor uses to derive Status from a checkpoint's other
// fields. A build with no failures and healthy utilization is Healthy; a
// build making no progress with work outstanding, or running near-maxed
// out workers, is Warning; a build accumulating failures is Degraded or
// Critical depending on how large a share of completed work has failed.
const (
	criticalFailureRatio = 0.5
	degradedFailureRatio = 0.1
	stallThreshold       = 30 * time.Second
)

// statusFor derives c.Status from its other fields (spec §4.K). It is a
// pure function of the checkpoint so it can be unit tested without the
// session's event-driven bookkeeping.
func statusFor(c HealthCheckpoint) Status {
	if c.Completed > 0 {
		ratio := float64(c.Failed) / float64(c.Completed)
		if ratio >= criticalFailureRatio {
			return Critical
		}
		if ratio >= degradedFailureRatio {
			return Degraded
		}
	}
	if c.Pending > 0 && c.Active == 0 && c.Completed < c.Total && c.Uptime > stallThreshold {
		return Warning
	}
	if c.WorkersTotal > 0 && c.WorkersActive >= c.WorkersTotal && c.Pending > 0 {
		return Warning
	}
	return Healthy
}

// BuildSession subscribes to an event.Bus for the duration of one build and
// maintains the counts/rates needed to answer Snapshot at any time
// (spec §4.K).
type BuildSession struct {
	workers int
	sub     *event.Subscription
	bus     *event.Bus
	start   time.Time

	mu          sync.Mutex
	total       int
	started     int
	succeeded   int
	failed      int
	cached      int
	taskTimeSum time.Duration
	taskTimeN   int
	completions []time.Time // timestamps of recent terminal events, for the rolling rate

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBuildSession starts aggregating bus events immediately. total is the
// number of targets in the build, known up front from the graph; workers is
// the configured worker-pool size, used for utilization.
func NewBuildSession(bus *event.Bus, total, workers int) *BuildSession {
	s := &BuildSession{
		workers: workers,
		bus:     bus,
		total:   total,
		start:   time.Now(),
		stop:    make(chan struct{}),
	}
	s.sub = bus.Subscribe(event.KindAll, 64)
	s.wg.Add(1)
	go s.consume()
	return s
}

func (s *BuildSession) consume() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.apply(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *BuildSession) apply(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case event.KindTargetStarted:
		s.started++
	case event.KindTargetSucceeded:
		s.succeeded++
		s.completions = append(s.completions, ev.Timestamp)
		if d, ok := ev.Fields["duration_seconds"].(float64); ok {
			s.taskTimeSum += time.Duration(d * float64(time.Second))
			s.taskTimeN++
		}
	case event.KindTargetFailed:
		s.failed++
		s.completions = append(s.completions, ev.Timestamp)
	case event.KindTargetCached:
		s.cached++
		s.completions = append(s.completions, ev.Timestamp)
	}
}

// Snapshot computes the current HealthCheckpoint (spec §4.K "snapshot()").
func (s *BuildSession) Snapshot() HealthCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rollingWindow)
	recent := 0
	kept := s.completions[:0:0]
	for _, t := range s.completions {
		if t.After(cutoff) {
			recent++
			kept = append(kept, t)
		}
	}
	s.completions = kept

	completed := s.succeeded + s.failed + s.cached
	inFlight := s.started - completed
	if inFlight < 0 {
		inFlight = 0
	}
	util := 0.0
	if s.workers > 0 {
		util = float64(inFlight) / float64(s.workers)
		if util > 1 {
			util = 1
		}
		if util < 0 {
			util = 0
		}
	}
	workersActive := inFlight
	if workersActive > s.workers {
		workersActive = s.workers
	}
	avgTaskTime := time.Duration(0)
	if s.taskTimeN > 0 {
		avgTaskTime = s.taskTimeSum / time.Duration(s.taskTimeN)
	}

	c := HealthCheckpoint{
		Taken:             now,
		Uptime:            now.Sub(s.start),
		Total:             s.total,
		Started:           s.started,
		Succeeded:         s.succeeded,
		Failed:            s.failed,
		Cached:            s.cached,
		Completed:         completed,
		Pending:           s.total - s.started,
		Active:            inFlight,
		WorkersTotal:      s.workers,
		WorkersActive:     workersActive,
		AvgTaskTime:       avgTaskTime,
		TasksPerSecond:    float64(recent) / rollingWindow.Seconds(),
		WorkerUtilization: util,
	}
	c.Status = statusFor(c)
	return c
}

// Close stops aggregation and unsubscribes from the bus.
func (s *BuildSession) Close() {
	close(s.stop)
	s.wg.Wait()
	s.bus.Unsubscribe(s.sub)
}
