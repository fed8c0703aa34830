//go:build unix

package executor

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// applyRlimits arranges for the child to die with its parent rather than
// outlive its wall-time budget as an orphan; exec.Cmd has no pre-exec hook,
// so the CPU/memory/fd/process limits themselves are applied by
// setProcessRlimits instead (spec §4.F).
func applyRlimits(cmd *exec.Cmd, limits ResourceLimits) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}

// setProcessRlimits applies limits to the calling process via setrlimit(2).
// rlimits are inherited across fork+exec, so a process that calls this on
// itself just before exec-ing the action's command bounds that command
// exactly as if the limit had been applied to it directly. Callers must
// only do this from a process dedicated to running a single action (the
// Linux sandbox helper) — never from the long-lived engine process, which
// would clobber limits for every concurrently running action.
//
// RLIMIT_NPROC has no equivalent in the standard syscall package (Go
// deliberately left it out), so this uses golang.org/x/sys/unix, the same
// module the teacher reaches for its own Chroot call.
func setProcessRlimits(limits ResourceLimits) error {
	if limits.CPUTime > 0 {
		sec := uint64(limits.CPUTime / time.Second)
		if sec == 0 {
			sec = 1
		}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: sec, Max: sec}); err != nil {
			return xerrors.Errorf("setrlimit(RLIMIT_CPU): %w", err)
		}
	}
	if limits.MemoryBytes > 0 {
		v := uint64(limits.MemoryBytes)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return xerrors.Errorf("setrlimit(RLIMIT_AS): %w", err)
		}
	}
	if limits.MaxFDs > 0 {
		v := uint64(limits.MaxFDs)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return xerrors.Errorf("setrlimit(RLIMIT_NOFILE): %w", err)
		}
	}
	if limits.MaxProcesses > 0 {
		v := uint64(limits.MaxProcesses)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return xerrors.Errorf("setrlimit(RLIMIT_NPROC): %w", err)
		}
	}
	return nil
}

// limitKindFromExit inspects the child's wait status for the one signal a
// setProcessRlimits-applied limit reliably kills the process with: SIGXCPU
// when RLIMIT_CPU's hard limit is hit. Memory, fd, and process-count
// violations instead make the offending syscall inside the child fail
// (ENOMEM/EMFILE/EAGAIN); the kernel enforces the bound but does not hand
// back a distinguishing signal, so those surface as an ordinary nonzero
// exit rather than a LimitExceededError.
func limitKindFromExit(ps *os.ProcessState, limits ResourceLimits) (string, bool) {
	status, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	if status.Signal() == syscall.SIGXCPU && limits.CPUTime > 0 {
		return "cpu_time", true
	}
	return "", false
}

// rusageOf extracts CPU time and peak RSS from the process's resource
// usage, as reported by the kernel at wait4(2) time (spec §4.F
// ResourceUsage).
func rusageOf(ps *os.ProcessState) ResourceUsage {
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return ResourceUsage{}
	}
	return ResourceUsage{
		CPUTime:    time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond,
		PeakMemory: int64(ru.Maxrss) * 1024, // ru_maxrss is in KB on Linux
	}
}
