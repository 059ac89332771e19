package nodepack

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SandboxBuildMount is the fixed in-sandbox path at which the build
// directory is visible, regardless of its real host path. Every bootstrap
// entrypoint can rely on this location.
const SandboxBuildMount = "/app"

// RunSpec describes a single command execution inside the sandbox.
type RunSpec struct {
	// Command is the program to execute.
	Command string
	// Args are the program's arguments.
	Args []string
	// Dir is the in-sandbox working directory. Defaults to
	// SandboxBuildMount.
	Dir string
	// Env is the in-sandbox environment in KEY=VALUE form.
	Env []string
	// Privileged keeps root inside the sandbox. It is reserved for
	// system-package installation; everything else runs rootless.
	Privileged bool
}

// RunResult is the structured outcome of a sandbox execution. The combined
// output is preserved even when the command succeeds.
type RunResult struct {
	ExitCode       int
	CombinedOutput []byte
}

// Runner executes commands in an isolated environment. The bootstrapper only
// depends on this interface, which keeps it testable without an actual
// container runtime.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// Sandbox is an ephemeral isolated root filesystem. Commands run inside a
// container assembled from the rootfs tree, with the build directory bind
// mounted at SandboxBuildMount.
type Sandbox struct {
	// RootFS is the extracted environment image acting as the container
	// root.
	RootFS string
	// BuildDir is the host path mounted at SandboxBuildMount.
	BuildDir string

	// Output receives the command output as it streams, in addition to
	// being captured in the RunResult.
	Output io.Writer
}

// NewSandbox constructs a sandbox over an extracted rootfs tree.
func NewSandbox(rootfs, buildDir string, output io.Writer) *Sandbox {
	return &Sandbox{RootFS: rootfs, BuildDir: buildDir, Output: output}
}

// Run executes a command in the sandbox and reports its exit status and
// combined output. A non-zero exit status is not an error of Run itself;
// callers decide fatality.
func (s *Sandbox) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Dir == "" {
		spec.Dir = SandboxBuildMount
	}

	log.WithFields(log.Fields{
		"command":    strings.Join(append([]string{spec.Command}, spec.Args...), " "),
		"privileged": spec.Privileged,
	}).Debug("running sandboxed command")

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if s.Output != nil {
		out = io.MultiWriter(&buf, s.Output)
	}

	err := s.runIsolated(ctx, spec, out)
	res := &RunResult{CombinedOutput: buf.Bytes()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}
