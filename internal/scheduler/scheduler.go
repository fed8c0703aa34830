// Package scheduler drives a BuildGraph to completion with a bounded pool
// of workers, per-task retry with backoff, and cooperative abort on
// failure (spec §4.H).
package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/graph"
)

// RunFunc performs one attempt at building id. Returning a non-nil error
// marks the attempt failed; the scheduler decides whether to retry.
type RunFunc func(ctx context.Context, id graph.TargetId) error

// TaskResult is what the scheduler reports back to the caller for every
// target that reaches a terminal state (spec §4.H, §8 "deterministic given
// a deterministic RunFunc and worker count of 1").
type TaskResult struct {
	Target   graph.TargetId
	Err      error
	Attempts int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size (default 1).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxRetries sets how many additional attempts a failed task gets
// before it is recorded as failed (default 0: no retries).
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithContinueOnFailure controls whether a task failure stops the
// scheduler from enqueuing further ready work (spec §4.H
// "continue_on_failure"). Default false: stop enqueuing new work on the
// first unresolved failure, but let in-flight tasks finish.
func WithContinueOnFailure(continueOnFailure bool) Option {
	return func(s *Scheduler) { s.continueOnFailure = continueOnFailure }
}

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler walks a graph.BuildGraph, running RunFunc for each ready node
// across a bounded worker pool, propagating dependency failures without
// running their dependents (spec §4.H, §8 "A node whose dependency failed
// is never run and is reported as dependency_failed").
type Scheduler struct {
	g   *graph.BuildGraph
	run RunFunc

	workers           int
	maxRetries        int
	continueOnFailure bool
	log               *logrus.Logger

	abort AbortFlag
}

// New builds a Scheduler over g using run to execute each ready target.
func New(g *graph.BuildGraph, run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		g:       g,
		run:     run,
		workers: 1,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DependencyFailedError wraps the id of the dependency that caused a
// target to be skipped (spec §7 error taxonomy).
type DependencyFailedError struct {
	FailedDependency graph.TargetId
}

func (e *DependencyFailedError) Error() string {
	return "scheduler: dependency failed: " + e.FailedDependency.String()
}

// Run drives the graph to completion: it seeds the work queue with
// ReadyNodes(), fans work out across s.workers goroutines via errgroup, and
// a single dispatcher goroutine owns all node-status bookkeeping so there
// is never more than one writer deciding what becomes ready next (mirrors
// the teacher's single status-owning dispatcher loop in internal/batch).
func (s *Scheduler) Run(ctx context.Context) ([]TaskResult, error) {
	ids := s.g.Targets()
	total := len(ids)
	if total == 0 {
		return nil, nil
	}
	// Every node starts this run Pending, so a graph driven a second time
	// (a warm rebuild) is scheduled again rather than seen as finished.
	for _, id := range ids {
		s.g.Node(id).SetStatus(graph.Pending)
	}

	work := make(chan graph.TargetId, total)
	done := make(chan TaskResult, total)

	eg, egCtx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		eg.Go(func() error {
			for id := range work {
				attempts, err := s.runWithRetry(egCtx, id)
				select {
				case done <- TaskResult{Target: id, Err: err, Attempts: attempts}:
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}
			return nil
		})
	}

	for _, id := range s.g.ReadyNodes() {
		s.g.Node(id).SetStatus(graph.Running)
		work <- id
	}

	results := make([]TaskResult, 0, total)
	completed := make(map[graph.TargetId]bool, total)

	dispatchErr := make(chan error, 1)
	go func() {
		defer close(work)
		for len(completed) < total {
			select {
			case r := <-done:
				completed[r.Target] = true
				results = append(results, r)

				if r.Err != nil {
					s.g.Node(r.Target).SetStatus(graph.Failed)
					s.log.WithError(r.Err).WithField("target", r.Target.String()).Warn("target failed")
					completed = s.markDependentsFailed(r.Target, completed, &results)
					if !s.continueOnFailure && !s.abort.IsSet() {
						s.abort.Set()
						// Finalize every not-yet-started target immediately:
						// without this, nodes independent of the failure
						// that are still Pending would never complete or be
						// scheduled, and the dispatcher would wait forever.
						completed = s.skipPendingTargets(completed, &results)
					}
					continue
				}
				s.g.Node(r.Target).SetStatus(graph.Success)

				if s.abort.IsSet() {
					continue
				}
				for _, dep := range s.g.Dependents(r.Target) {
					if completed[dep] || !s.allDepsSatisfied(dep) {
						continue
					}
					s.g.Node(dep).SetStatus(graph.Running)
					select {
					case work <- dep:
					case <-egCtx.Done():
						dispatchErr <- egCtx.Err()
						return
					}
				}

			case <-egCtx.Done():
				dispatchErr <- egCtx.Err()
				return
			}
		}
		dispatchErr <- nil
	}()

	groupErr := eg.Wait()
	if derr := <-dispatchErr; derr != nil && groupErr == nil {
		groupErr = derr
	}
	return results, groupErr
}

// allDepsSatisfied reports whether every dependency of id has reached a
// satisfied terminal state (Success or Cached).
func (s *Scheduler) allDepsSatisfied(id graph.TargetId) bool {
	for _, dep := range s.g.Dependencies(id) {
		if !s.g.Node(dep).Status().Satisfied() {
			return false
		}
	}
	return true
}

// markDependentsFailed transitively marks every not-yet-completed
// dependent of failed as failed with a DependencyFailedError, without ever
// running them, and appends their results (spec §8).
func (s *Scheduler) markDependentsFailed(failedID graph.TargetId, completed map[graph.TargetId]bool, results *[]TaskResult) map[graph.TargetId]bool {
	queue := s.g.Dependents(failedID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if completed[id] {
			continue
		}
		completed[id] = true
		s.g.Node(id).SetStatus(graph.Failed)
		*results = append(*results, TaskResult{Target: id, Err: &DependencyFailedError{FailedDependency: failedID}})
		queue = append(queue, s.g.Dependents(id)...)
	}
	return completed
}

// AbortedError marks a target that was never run because the scheduler
// stopped dispatching new work after an earlier failure
// (continue_on_failure=false).
type AbortedError struct{}

func (e *AbortedError) Error() string { return "scheduler: aborted after earlier failure" }

// skipPendingTargets finalizes every target still in graph.Pending as
// AbortedError, so the dispatcher loop's completion count can still reach
// total once abort has been triggered.
func (s *Scheduler) skipPendingTargets(completed map[graph.TargetId]bool, results *[]TaskResult) map[graph.TargetId]bool {
	for _, id := range s.g.Targets() {
		if completed[id] {
			continue
		}
		if s.g.Node(id).Status() != graph.Pending {
			continue // already running or otherwise terminal; let it finish
		}
		completed[id] = true
		s.g.Node(id).SetStatus(graph.Failed)
		*results = append(*results, TaskResult{Target: id, Err: &AbortedError{}})
	}
	return completed
}

// runWithRetry retries RunFunc up to s.maxRetries additional times with
// exponential backoff (spec §4.H retry policy).
func (s *Scheduler) runWithRetry(ctx context.Context, id graph.TargetId) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		return s.run(ctx, id)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(s.maxRetries))
	bo = backoff.WithContext(bo, ctx)

	err := backoff.Retry(op, bo)
	if err != nil {
		return attempts, xerrors.Errorf("scheduler: %s: %w", id, err)
	}
	return attempts, nil
}
