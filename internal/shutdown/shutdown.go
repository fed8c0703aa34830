// Package shutdown provides an explicitly-owned replacement for a global
// on-interrupt singleton: callers construct a Coordinator, register cleanup
// callbacks against it, and hand it a context to cancel on SIGINT/SIGTERM,
// instead of every package reaching for a package-level registry
// (Design Notes §9).
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Coordinator collects cleanup callbacks and cancels a context when an
// interrupt signal arrives, running the callbacks first. Unlike the
// package-level onInterrupt registry it replaces, a Coordinator is a value
// the owner (the engine, in engine.New) constructs once and threads
// through explicitly; nothing here runs at package init time.
type Coordinator struct {
	mu        sync.Mutex
	callbacks []namedCallback
	once      sync.Once
	log       *logrus.Logger
}

type namedCallback struct {
	name string
	fn   func()
}

// New returns an empty Coordinator.
func New(log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{log: log}
}

// Register adds a cleanup callback, identified by name for logging. On
// shutdown, callbacks run in LIFO order (most recently registered first),
// matching the unwind order of deferred cleanup in the resources they
// guard.
func (c *Coordinator) Register(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, namedCallback{name: name, fn: fn})
}

// RegisterCloser is a convenience wrapper around Register for the common
// case of an io.Closer-backed resource (a store, a cache, a log file).
// Close errors are logged, not returned, since shutdown must not abort
// partway through running the remaining callbacks.
func (c *Coordinator) RegisterCloser(name string, closer io.Closer) {
	c.Register(name, func() {
		if err := closer.Close(); err != nil {
			c.log.WithError(err).WithField("resource", name).Warn("error closing resource during shutdown")
		}
	})
}

// runCallbacks executes every registered callback in LIFO order, exactly
// once regardless of how many times it is triggered (explicit Shutdown
// call racing with a signal, for instance).
func (c *Coordinator) runCallbacks() {
	c.once.Do(func() {
		c.mu.Lock()
		callbacks := c.callbacks
		c.mu.Unlock()

		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			c.log.WithField("resource", cb.name).Debug("running shutdown callback")
			cb.fn()
		}
	})
}

// Shutdown runs every registered callback immediately. Safe to call more
// than once and safe to call concurrently with a signal arriving via
// InterruptibleContext.
func (c *Coordinator) Shutdown() {
	c.runCallbacks()
}

// InterruptibleContext returns a context derived from parent that is
// canceled when SIGINT or SIGTERM arrives, after running every registered
// callback. The returned CancelFunc both stops listening for signals and
// cancels the context, so callers should still defer it.
func (c *Coordinator) InterruptibleContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			c.log.WithField("signal", sig.String()).Info("received interrupt, running shutdown callbacks")
			c.runCallbacks()
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
