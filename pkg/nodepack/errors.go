package nodepack

import (
	"fmt"
	"strings"
)

// UnsupportedStackErr is produced during pre-flight validation when the
// requested stack is not in the supported set. No network activity has
// happened at that point.
type UnsupportedStackErr struct {
	Stack Stack
}

func (e UnsupportedStackErr) Error() string {
	supported := make([]string, len(SupportedStacks))
	for i, s := range SupportedStacks {
		supported[i] = string(s)
	}
	return fmt.Sprintf("unsupported stack %q (supported: %s)", e.Stack, strings.Join(supported, ", "))
}

// FetchFailureErr indicates that an artifact could not be retrieved from its
// remote location. Fetching is fail-fast: there are no retries.
type FetchFailureErr struct {
	URL    string
	Status string
	Err    error
}

func (e FetchFailureErr) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("cannot fetch %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("cannot fetch %s: %v", e.URL, e.Err)
}

func (e FetchFailureErr) Unwrap() error { return e.Err }

// ExtractionFailureErr indicates a corrupt or unreadable artifact archive.
type ExtractionFailureErr struct {
	Archive string
	Output  string
	Err     error
}

func (e ExtractionFailureErr) Error() string {
	return fmt.Sprintf("cannot extract %s: %v\n%s", e.Archive, e.Err, e.Output)
}

func (e ExtractionFailureErr) Unwrap() error { return e.Err }

// PrivilegedExecFailureErr indicates that a privileged sandbox command exited
// non-zero. The combined output is preserved for diagnostics.
type PrivilegedExecFailureErr struct {
	Command  string
	ExitCode int
	Output   string
}

func (e PrivilegedExecFailureErr) Error() string {
	return fmt.Sprintf("privileged command %q exited with status %d", e.Command, e.ExitCode)
}

// BootstrapFailureErr indicates that a bootstrap strategy's entrypoint exited
// non-zero. Later strategies do not run once this is raised.
type BootstrapFailureErr struct {
	Strategy string
	ExitCode int
	Output   string
}

func (e BootstrapFailureErr) Error() string {
	return fmt.Sprintf("bootstrap strategy %s failed with status %d", e.Strategy, e.ExitCode)
}

// SyncFailureErr indicates a stage-in/stage-out copy error.
type SyncFailureErr struct {
	Path string
	Err  error
}

func (e SyncFailureErr) Error() string {
	return fmt.Sprintf("cannot synchronize %s: %v", e.Path, e.Err)
}

func (e SyncFailureErr) Unwrap() error { return e.Err }
