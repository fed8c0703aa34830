// Package engine wires the build graph, action cache, dispatch registry,
// executor, and scheduler into one build, owning cross-cutting policy
// (worker count, retry, strict/deferred cycle mode, continue-on-failure)
// and the shutdown coordinator that finalizes everything on interrupt
// (spec §4.I).
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/action"
	"github.com/forgebuild/forge/internal/dispatch"
	"github.com/forgebuild/forge/internal/event"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/forgebuild/forge/internal/shutdown"
	"github.com/forgebuild/forge/internal/store"
)

// Config holds the policy knobs an Engine is constructed with
// (spec §4.I, §6 FORGE_* environment wiring lives in cmd/forge).
type Config struct {
	CacheDir          string
	Workers           int
	MaxRetries        int
	ContinueOnFailure bool
	CycleMode         graph.Mode
	Isolation         executor.IsolationPolicy
	Log               *logrus.Logger

	// Backend overrides the executor's default platform backend. Tests and
	// callers running outside the sandbox-helper re-exec wiring (see
	// executor.IsSandboxHelper) can pass executor.NewBestEffort() here to
	// avoid depending on cmd/forge's main() being the binary under test.
	Backend executor.Backend

	// CacheMaxSizeBytes and CacheMaxAge cap the action cache
	// (FORGE_ACTION_CACHE_MAX_SIZE, ..._MAX_AGE_DAYS, spec §6). Zero means
	// no cap.
	CacheMaxSizeBytes int64
	CacheMaxAge       time.Duration

	// CacheSigningKey overrides the generate-on-first-use HMAC signing key
	// (FORGE_CACHE_SIGNING_KEY, spec §6). Empty uses the on-disk default.
	CacheSigningKey []byte
}

// Engine owns one build's worth of wired-together components.
type Engine struct {
	cfg      Config
	cache    *action.Cache
	registry *dispatch.Registry
	exec     *executor.Executor
	bus      *event.Bus
	shutdown *shutdown.Coordinator
	log      *logrus.Logger
}

// New opens the action cache at cfg.CacheDir and wires the executor, event
// bus, and shutdown coordinator. Handlers must still be registered via
// Registry before Build is called.
func New(cfg Config, registry *dispatch.Registry) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	var storeOpts []store.Option
	storeOpts = append(storeOpts, store.WithLogger(cfg.Log))
	if cfg.CacheMaxSizeBytes > 0 {
		storeOpts = append(storeOpts, store.WithMaxSize(cfg.CacheMaxSizeBytes))
	}
	if cfg.CacheMaxAge > 0 {
		storeOpts = append(storeOpts, store.WithMaxAge(cfg.CacheMaxAge))
	}
	if len(cfg.CacheSigningKey) > 0 {
		storeOpts = append(storeOpts, store.WithSigningKey(cfg.CacheSigningKey))
	}

	cache, err := action.Open(cfg.CacheDir, storeOpts...)
	if err != nil {
		return nil, xerrors.Errorf("engine.New: %w", err)
	}

	exec := executor.New()
	if cfg.Backend != nil {
		exec = executor.NewWithBackend(cfg.Backend)
	}

	e := &Engine{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		exec:     exec,
		bus:      event.NewBus(cfg.Log),
		shutdown: shutdown.New(cfg.Log),
		log:      cfg.Log,
	}
	e.shutdown.RegisterCloser("action cache eviction", closerFunc(func() error { return cache.Evict() }))
	e.shutdown.Register("event bus", e.bus.Close)
	return e, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Events exposes the engine's event bus so callers can wire an
// observability.BuildSession, metrics exporter, or status printer before
// calling Build.
func (e *Engine) Events() *event.Bus { return e.bus }

// Shutdown exposes the coordinator so callers can register additional
// cleanup or derive an interruptible context.
func (e *Engine) Shutdown() *shutdown.Coordinator { return e.shutdown }

// Result is Build's return value: one scheduler.TaskResult per target plus
// the graph actually built, so callers can inspect per-target status.
type Result struct {
	Graph   *graph.BuildGraph
	Tasks   []scheduler.TaskResult
	Elapsed time.Duration
}

// Build validates g, then drives it to completion: for every target, the
// registered handler plans the action, the cache is consulted, and on a
// miss the executor runs it and the cache records the result
// (spec §4.I, §8 end-to-end scenarios).
func (e *Engine) Build(ctx context.Context, g *graph.BuildGraph) (*Result, error) {
	e.bus.Emit(event.Event{Kind: event.KindBuildStarted, Fields: map[string]interface{}{"total": g.Len()}})

	if err := g.Validate(); err != nil {
		wrapped := xerrors.Errorf("engine.Build: %w", err)
		e.bus.Emit(event.Event{Kind: event.KindBuildFailed, Err: wrapped})
		return nil, wrapped
	}

	start := time.Now()
	outputs := newOutputTracker()

	run := func(ctx context.Context, id graph.TargetId) error {
		return e.buildOne(ctx, g, id, outputs)
	}

	s := scheduler.New(g, run,
		scheduler.WithWorkers(e.cfg.Workers),
		scheduler.WithMaxRetries(e.cfg.MaxRetries),
		scheduler.WithContinueOnFailure(e.cfg.ContinueOnFailure),
		scheduler.WithLogger(e.log),
	)

	tasks, err := s.Run(ctx)
	if err != nil {
		wrapped := xerrors.Errorf("engine.Build: %w", err)
		e.bus.Emit(event.Event{Kind: event.KindBuildFailed, Err: wrapped})
		return nil, wrapped
	}

	elapsed := time.Since(start)
	e.emitStatistics(g, tasks, elapsed)

	failed := false
	for _, t := range tasks {
		if t.Err != nil {
			failed = true
			break
		}
	}
	if failed {
		e.bus.Emit(event.Event{Kind: event.KindBuildFailed})
	} else {
		e.bus.Emit(event.Event{Kind: event.KindBuildCompleted})
	}

	return &Result{Graph: g, Tasks: tasks, Elapsed: elapsed}, nil
}

// emitStatistics reports the build-wide rolling counters once a non-empty
// graph finishes (spec §8 scenario 2: "tasks_per_sec in the final
// statistics event"; an empty graph emits nothing besides BuildStarted/
// BuildCompleted per §8's boundary behavior).
func (e *Engine) emitStatistics(g *graph.BuildGraph, tasks []scheduler.TaskResult, elapsed time.Duration) {
	if g.Len() == 0 {
		return
	}
	var succeeded, failed int
	for _, t := range tasks {
		if t.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	tasksPerSec := 0.0
	if elapsed > 0 {
		tasksPerSec = float64(len(tasks)) / elapsed.Seconds()
	}
	e.bus.Emit(event.Event{
		Kind: event.KindStatistics,
		Fields: map[string]interface{}{
			"total":           len(tasks),
			"succeeded":       succeeded,
			"failed":          failed,
			"elapsed_seconds": elapsed.Seconds(),
			"tasks_per_sec":   tasksPerSec,
		},
	})
}

// buildOne plans, cache-checks, and (on a miss) executes a single target,
// emitting progress events throughout.
func (e *Engine) buildOne(ctx context.Context, g *graph.BuildGraph, id graph.TargetId, outputs *outputTracker) error {
	node := g.Node(id)
	target := node.Target

	handler, err := e.registry.Lookup(target.Language)
	if err != nil {
		return xerrors.Errorf("engine: target %s: %w", id, err)
	}

	e.bus.Emit(event.Event{Kind: event.KindTargetStarted, Target: id})
	start := time.Now()

	depOutputs := make(map[graph.TargetId][]string, len(target.Deps))
	for _, dep := range target.Deps {
		depOutputs[dep] = outputs.get(dep)
	}

	plan, err := handler.Plan(ctx, target, depOutputs)
	if err != nil {
		e.bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: id, Err: err})
		return xerrors.Errorf("engine: plan %s: %w", id, err)
	}

	inputHash, err := action.ComputeInputHash(plan.InputPaths)
	if err != nil {
		e.bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: id, Err: err})
		return xerrors.Errorf("engine: input hash %s: %w", id, err)
	}
	actionID := action.Id{Target: id, Kind: plan.Kind, InputHash: inputHash, SubId: string(target.Language)}
	key, err := action.ComputeKey(actionID, plan.InputPaths, plan.Metadata, plan.ToolIdentity)
	if err != nil {
		e.bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: id, Err: err})
		return xerrors.Errorf("engine: cache key %s: %w", id, err)
	}

	if entry, hit, err := e.cache.Lookup(key); err == nil && hit && entry.Success {
		paths := make([]string, len(entry.OutputHashes))
		for i, oh := range entry.OutputHashes {
			paths[i] = oh.Path
		}
		outputs.set(id, paths)
		e.bus.Emit(event.Event{Kind: event.KindCacheHit, Target: id})
		e.bus.Emit(event.Event{Kind: event.KindTargetCached, Target: id})
		return nil
	}
	e.bus.Emit(event.Event{Kind: event.KindCacheMiss, Target: id})

	spec, err := handler.BuildExecutionSpec(ctx, target, plan)
	if err != nil {
		e.bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: id, Err: err})
		return xerrors.Errorf("engine: build spec %s: %w", id, err)
	}
	spec.Isolation = e.cfg.Isolation

	result, err := e.exec.Run(ctx, spec)
	success := err == nil && result != nil && result.ExitCode == 0

	if _, recErr := e.cache.Record(key, plan.Outputs, success); recErr != nil {
		e.log.WithError(recErr).WithField("target", id.String()).Warn("failed to record cache entry")
	}

	if !success {
		if err == nil {
			err = xerrors.Errorf("engine: target %s: action id %s argv %v exited with code %d, stderr: %s",
				id, actionID, spec.Argv, result.ExitCode, stderrTail(result.Stderr))
		}
		e.bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: id, Err: err})
		return err
	}

	outputs.set(id, plan.Outputs)
	e.bus.Emit(event.Event{
		Kind:   event.KindTargetSucceeded,
		Target: id,
		Fields: map[string]interface{}{"duration_seconds": time.Since(start).Seconds()},
	})
	return nil
}

// stderrTail keeps the user-visible failure report (spec §7: "a captured
// stderr tail") short regardless of how much the action wrote.
const stderrTailLines = 20

func stderrTail(stderr []byte) string {
	lines := strings.Split(strings.TrimRight(string(stderr), "\n"), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, "\n")
}
