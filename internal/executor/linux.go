//go:build linux

package executor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// helperEnvVar gates re-entry into the current binary as the sandbox
// helper, mirroring the teacher's DISTRI_BUILD_PROCESS=1 re-exec: Go's
// runtime is multi-threaded, so unshare(2)+mount(2) cannot safely happen
// between fork and exec within the parent process itself. Instead the
// parent re-execs itself under the new namespaces, and the re-exec'd copy
// (running RunSandboxHelper, wired up from cmd/forge's main) performs the
// mounts before execve-ing into the real command.
const helperEnvVar = "FORGE_SANDBOX_HELPER"

// helperJob is what the parent passes to the re-exec'd helper over a pipe,
// and helperResult is what comes back over a second pipe.
type helperJob struct {
	Spec    ExecutionSpec
	RootDir string
}

type helperResult struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Usage     ResourceUsage
	LimitKind string
	Err       string
}

type namespaceBackend struct{}

func defaultBackend() Backend { return namespaceBackend{} }

// run re-execs the current binary inside a new mount+user namespace so the
// helper can chroot into a private root containing only declared inputs
// and a fresh output tree, then exec the real command (spec §4.F: "Linux:
// mount namespaces + bind mounts restrict visible filesystem to declared
// inputs plus a fresh output directory").
func (namespaceBackend) run(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error) {
	// The sandbox root is created and removed by this (parent) process
	// rather than the re-exec'd helper: once the helper chroots into it,
	// the root's real path becomes unreachable from inside the helper's own
	// mount namespace, so only the un-chrooted parent can ever clean it up.
	rootDir, err := os.MkdirTemp("", "forge-sandbox")
	if err != nil {
		return nil, xerrors.Errorf("executor: create sandbox root: %w", err)
	}
	defer os.RemoveAll(rootDir)

	job, err := json.Marshal(helperJob{Spec: spec, RootDir: rootDir})
	if err != nil {
		return nil, xerrors.Errorf("executor: marshal job: %w", err)
	}

	jobR, jobW, err := os.Pipe()
	if err != nil {
		return nil, xerrors.Errorf("executor: job pipe: %w", err)
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		return nil, xerrors.Errorf("executor: result pipe: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	cmd := exec.CommandContext(ctx, self)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		// Map the invoking uid/gid to root inside the namespace so the
		// helper is permitted to mount filesystems and chroot.
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	cmd.ExtraFiles = []*os.File{jobR, resW}
	cmd.Env = append(os.Environ(), helperEnvVar+"=1")

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("executor: start sandbox helper: %w", err)
	}
	jobR.Close()
	resW.Close()

	if _, err := jobW.Write(job); err != nil {
		jobW.Close()
		cmd.Process.Kill()
		return nil, xerrors.Errorf("executor: write job: %w", err)
	}
	jobW.Close()

	raw, readErr := io.ReadAll(resR)
	waitErr := cmd.Wait()

	if readErr != nil {
		return nil, xerrors.Errorf("executor: read result: %w", readErr)
	}
	if waitErr != nil && len(raw) == 0 {
		return nil, xerrors.Errorf("executor: sandbox helper: %w", waitErr)
	}

	var res helperResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, xerrors.Errorf("executor: unmarshal result: %w", err)
	}
	if res.Err != "" {
		return nil, xerrors.New("executor: sandbox helper: " + res.Err)
	}

	return &ExecutionResult{
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Usage:       res.Usage,
		LimitKind:   res.LimitKind,
		NonHermetic: false,
	}, nil
}

// RunSandboxHelper is the entry point the re-exec'd child must call before
// doing anything else, gated on helperEnvVar. It reads a helperJob from fd 3,
// builds a private root visible to no path but the declared inputs/outputs,
// chroots into it, applies the requested resource rlimits to itself (this
// process exists to run exactly one action, so setting limits on it is
// equivalent to setting them on the command it is about to run), execs the
// real command, and writes a helperResult to fd 4. cmd/forge's main checks
// IsSandboxHelper() first thing and calls this instead of running the CLI.
func RunSandboxHelper() {
	jobR := os.NewFile(3, "job")
	resW := os.NewFile(4, "result")

	raw, err := io.ReadAll(jobR)
	if err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}
	var job helperJob
	if err := json.Unmarshal(raw, &job); err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}

	if err := buildSandboxRoot(job.RootDir, job.Spec); err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}

	if err := unix.Chroot(job.RootDir); err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}
	if err := os.Chdir("/"); err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}

	if err := setProcessRlimits(job.Spec.Limits); err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}

	result, err := runBestEffort(job.Spec)
	if err != nil {
		writeHelperErr(resW, err)
		os.Exit(1)
	}

	out, err := json.Marshal(helperResult{
		ExitCode:  result.ExitCode,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Usage:     result.Usage,
		LimitKind: result.LimitKind,
	})
	if err != nil {
		os.Exit(1)
	}
	resW.Write(out)
	resW.Close()
	os.Exit(0)
}

// IsSandboxHelper reports whether the current process was re-exec'd to
// perform namespace setup, so cmd/forge's main can dispatch to
// RunSandboxHelper before parsing any CLI flags.
func IsSandboxHelper() bool {
	return os.Getenv(helperEnvVar) == "1"
}

func writeHelperErr(w *os.File, err error) {
	out, _ := json.Marshal(helperResult{Err: err.Error()})
	w.Write(out)
	w.Close()
}

// buildSandboxRoot populates rootDir (created and, on return, owned for
// cleanup by the parent namespaceBackend.run, not this helper process) with
// only the declared inputs (bind-mounted read-only at their real absolute
// paths) and the declared outputs' parent directories (read-write), plus
// the minimal /dev/null and /etc/passwd many toolchains assume exist,
// mirroring the teacher's own hermetic chroot setup (build.go's "Set up
// device nodes under /dev" / "Set up /etc/passwd" blocks). The caller
// chroots into rootDir; everything else on the host's filesystem becomes
// unreachable (spec §4.F, §8 scenario 4: the read of /etc/passwd from
// outside this root is denied because there is no outside).
func buildSandboxRoot(rootDir string, spec ExecutionSpec) error {
	for _, in := range spec.DeclaredInputs {
		info, statErr := os.Stat(in)
		if statErr != nil {
			continue // declared but absent; the command will fail naturally
		}
		target := filepath.Join(rootDir, in)
		if info.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return xerrors.Errorf("executor: prepare sandbox dir %s: %w", in, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return xerrors.Errorf("executor: prepare sandbox dir %s: %w", in, err)
			}
			if err := os.WriteFile(target, nil, 0644); err != nil {
				return xerrors.Errorf("executor: prepare sandbox file %s: %w", in, err)
			}
		}
		if err := syscall.Mount(in, target, "none", syscall.MS_BIND, ""); err != nil {
			return xerrors.Errorf("executor: bind mount %s: %w", in, err)
		}
		if err := syscall.Mount("", target, "none", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
			return xerrors.Errorf("executor: remount %s read-only: %w", in, err)
		}
	}

	for _, out := range spec.DeclaredOutputs {
		dir := filepath.Join(rootDir, filepath.Dir(out))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return xerrors.Errorf("executor: prepare sandbox output dir %s: %w", out, err)
		}
	}

	return setUpDevAndEtc(rootDir)
}

// setUpDevAndEtc creates the minimal /dev/null and /etc/passwd|group many
// toolchains assume exist even in a hermetic root, matching the teacher's
// build.go behavior byte for byte.
func setUpDevAndEtc(rootDir string) error {
	dev := filepath.Join(rootDir, "dev")
	if err := os.MkdirAll(dev, 0755); err != nil {
		return xerrors.Errorf("executor: prepare /dev: %w", err)
	}
	devNull := filepath.Join(dev, "null")
	if err := os.WriteFile(devNull, nil, 0644); err != nil {
		return xerrors.Errorf("executor: prepare /dev/null: %w", err)
	}
	if err := syscall.Mount("/dev/null", devNull, "none", syscall.MS_BIND, ""); err != nil {
		return xerrors.Errorf("executor: bind mount /dev/null: %w", err)
	}

	etc := filepath.Join(rootDir, "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return xerrors.Errorf("executor: prepare /etc: %w", err)
	}
	if err := os.WriteFile(filepath.Join(etc, "passwd"), []byte("root:x:0:0:root:/root:/bin/sh\n"), 0644); err != nil {
		return xerrors.Errorf("executor: write /etc/passwd: %w", err)
	}
	if err := os.WriteFile(filepath.Join(etc, "group"), []byte("root:x:0:\n"), 0644); err != nil {
		return xerrors.Errorf("executor: write /etc/group: %w", err)
	}
	return nil
}

// runBestEffort performs the actual fork+exec+wait+rusage accounting once
// namespace isolation is already in place. It is the Linux helper's call
// into execAndWait (exec_common.go), the same routine the bestEffort
// backend uses.
func runBestEffort(spec ExecutionSpec) (*ExecutionResult, error) {
	return execAndWait(spec)
}
