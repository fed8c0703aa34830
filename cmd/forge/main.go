// Command forge is the thinnest possible CLI driver for the engine: it
// loads a target manifest, builds an engine.Config from FORGE_* environment
// variables (spec §6), wires observability onto the event bus, and runs one
// build to completion. CLI parsing proper, workspace discovery, and a build
// file DSL are out of scope for the core (SPEC_FULL.md §1 Non-goals); this
// mirrors how small cmd/distri/*.go subcommands each wire one build.Ctx or
// batch.Ctx from flags and env rather than owning a workspace model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/forgebuild/forge/internal/dispatch"
	"github.com/forgebuild/forge/internal/engine"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/observability"
)

// Exit codes per spec §6.
const (
	exitSuccess       = 0
	exitTargetFailed  = 1
	exitConfigError   = 2
	exitInternalError = 3
	exitInterrupted   = 130
)

func main() {
	// The sandbox helper re-exec must be checked before any flag parsing or
	// output: it is how the namespace backend in internal/executor/linux.go
	// escapes Go's inability to unshare+mount between fork and exec.
	if executor.IsSandboxHelper() {
		executor.RunSandboxHelper()
		return
	}

	os.Exit(run())
}

func run() int {
	var (
		manifestPath      = flag.String("manifest", "", "path to a JSON target manifest")
		workers           = flag.Int("workers", 0, "worker count override (0: FORGE_PARALLEL or NumCPU)")
		continueOnFailure = flag.Bool("continue-on-failure", false, "keep building targets not downstream of a failure")
		strictCycles      = flag.Bool("strict-cycles", false, "reject cycle-closing edges at insertion time instead of at validation")
		strictIsolation   = flag.Bool("strict-isolation", false, "reject non-hermetic execution results instead of flagging them")
		quiet             = flag.Bool("quiet", false, "suppress the live status line")
	)
	flag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "forge: -manifest is required")
		return exitConfigError
	}

	log := logrus.StandardLogger()

	cycleMode := graph.Deferred
	if *strictCycles {
		cycleMode = graph.Strict
	}
	g, err := loadManifest(*manifestPath, cycleMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		return exitConfigError
	}

	registry := dispatch.NewRegistry()
	if err := registry.Register(&dispatch.GenericHandler{WorkDir: workDir(*manifestPath)}); err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		return exitInternalError
	}

	cfg := engine.Config{
		CacheDir:          envOr("FORGE_CACHE_DIR", ".forge-cache"),
		Workers:           resolveWorkers(*workers),
		ContinueOnFailure: *continueOnFailure,
		CycleMode:         cycleMode,
		Log:               log,
		CacheMaxSizeBytes: envInt64("FORGE_ACTION_CACHE_MAX_SIZE", 0),
		CacheMaxAge:       envDays("FORGE_ACTION_CACHE_MAX_AGE_DAYS"),
	}
	if *strictIsolation {
		cfg.Isolation = executor.Strict
	}
	if key := os.Getenv("FORGE_CACHE_SIGNING_KEY"); key != "" {
		cfg.CacheSigningKey = []byte(key)
	}
	if v := os.Getenv("FORGE_ACTION_CACHE_MAX_ENTRIES"); v != "" {
		log.Warn("FORGE_ACTION_CACHE_MAX_ENTRIES is not implemented by internal/store's eviction policy; ignoring")
	}

	e, err := engine.New(cfg, registry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		return exitInternalError
	}

	session := observability.NewBuildSession(e.Events(), g.Len(), cfg.Workers)
	defer session.Close()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, e.Events())
	defer metrics.Close()

	var printer *observability.StatusPrinter
	if !*quiet {
		printer = observability.NewStatusPrinter(os.Stderr)
	}
	stopTicker := make(chan struct{})
	defer close(stopTicker)
	if printer != nil {
		go func() {
			t := time.NewTicker(200 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					printer.Print(observability.Summary(session.Snapshot()))
				case <-stopTicker:
					return
				}
			}
		}()
	}

	ctx, cancel := e.Shutdown().InterruptibleContext(context.Background())
	defer cancel()

	result, err := e.Build(ctx, g)
	if err != nil {
		e.Shutdown().Shutdown()
		fmt.Fprintln(os.Stderr, "forge:", err)
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return exitConfigError
	}
	e.Shutdown().Shutdown()

	failed := 0
	for _, task := range result.Tasks {
		if task.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "forge: FAILED %s (attempts=%d): %v\n", task.Target, task.Attempts, task.Err)
		}
	}
	fmt.Fprintln(os.Stderr, observability.Summary(session.Snapshot()), "elapsed", result.Elapsed)

	if ctx.Err() != nil {
		return exitInterrupted
	}
	if failed > 0 {
		return exitTargetFailed
	}
	return exitSuccess
}

func workDir(manifestPath string) string {
	dir := manifestPath
	if idx := lastSlash(dir); idx >= 0 {
		return dir[:idx]
	}
	return "."
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// resolveWorkers implements the -workers flag's documented default
// (FORGE_PARALLEL, or else the host's CPU count): an explicit flag value
// always wins, then FORGE_PARALLEL, and only once both are absent does it
// fall back to runtime.NumCPU() (spec §4.H: "a fixed pool of N workers,
// default min(cpus, configured_max)" — with nothing configured, N is cpus).
func resolveWorkers(flagValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if v := os.Getenv("FORGE_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDays(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	days, err := strconv.Atoi(v)
	if err != nil || days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
