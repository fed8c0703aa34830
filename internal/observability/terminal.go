package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// StatusPrinter redraws a single-line build status in place on a tty,
// following the teacher's redraw technique exactly: pad the new line with
// spaces to erase stale characters, print it, then move the cursor back up
// with an ANSI escape so the next redraw overwrites the same line
// (internal/batch/batch.go's refreshStatus/updateStatus).
type StatusPrinter struct {
	w          io.Writer
	isTerminal bool

	mu      sync.Mutex
	lastLen int
}

// NewStatusPrinter targets w, auto-detecting terminal-ness via isatty when
// w is *os.File (spec §4.K "terminal status printer"). On a non-tty
// destination (redirected to a file, piped to another program) Print is a
// no-op, matching the teacher's behavior of suppressing redraw escapes
// when not attached to a terminal.
func NewStatusPrinter(w io.Writer) *StatusPrinter {
	term := false
	if f, ok := w.(*os.File); ok {
		term = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &StatusPrinter{w: w, isTerminal: term}
}

// Print renders line in place, overwriting the previous call's output.
func (p *StatusPrinter) Print(line string) {
	if !p.isTerminal {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if diff := p.lastLen - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	p.lastLen = len(line)

	fmt.Fprintln(p.w, line)
	fmt.Fprint(p.w, "\033[1A") // move cursor back up one line
}

// Summary renders a HealthCheckpoint into the single-line form Print
// expects.
func Summary(c HealthCheckpoint) string {
	return fmt.Sprintf(
		"[%s] %d/%d targets: %d succeeded, %d failed, %d cached, %d active, %d pending "+
			"(%.1f/s, %.0f%% util, avg %s, up %s) @ %s",
		c.Status, c.Completed, c.Total, c.Succeeded, c.Failed, c.Cached, c.Active, c.Pending,
		c.TasksPerSecond, c.WorkerUtilization*100, c.AvgTaskTime.Round(time.Millisecond), c.Uptime.Round(time.Second),
		c.Taken.Format(time.RFC3339),
	)
}
