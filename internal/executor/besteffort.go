//go:build !linux

package executor

// On non-Linux platforms there is no namespace sandbox, so the default
// backend is the same no-isolation bestEffort used by NewBestEffort
// (spec §4.F: "otherwise the executor degrades to best-effort isolation
// and records a non-hermetic flag in the result").
func defaultBackend() Backend { return bestEffort{} }

// IsSandboxHelper always reports false outside Linux: there is no re-exec
// helper to dispatch to, so cmd/forge's main falls straight through to the
// CLI.
func IsSandboxHelper() bool { return false }

// RunSandboxHelper has no work to do on platforms without the namespace
// sandbox; it is never actually called since IsSandboxHelper is always
// false, but is defined so cmd/forge's main can call it unconditionally
// without a build-tagged branch.
func RunSandboxHelper() {}
