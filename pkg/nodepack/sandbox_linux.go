package nodepack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/opencontainers/runc/libcontainer/specconv"
	"github.com/opencontainers/runtime-spec/specs-go"
	log "github.com/sirupsen/logrus"
)

// runIsolated assembles an OCI bundle around the sandbox rootfs and executes
// the command with runc. The build directory is bind mounted at
// SandboxBuildMount so its contents appear at the same path in every build,
// no matter where the host keeps them.
func (s *Sandbox) runIsolated(ctx context.Context, spec RunSpec, output io.Writer) error {
	bundle, err := os.MkdirTemp("", "nodepack-sandbox-*")
	if err != nil {
		return err
	}
	if !log.IsLevelEnabled(log.DebugLevel) {
		defer os.RemoveAll(bundle)
	}

	oci := specconv.Example()
	if !spec.Privileged {
		specconv.ToRootless(oci)
	}

	oci.Root = &specs.Root{Path: s.RootFS}
	oci.Mounts = append(oci.Mounts, specs.Mount{
		Destination: SandboxBuildMount,
		Source:      s.BuildDir,
		Type:        "bind",
		Options:     []string{"bind", "private"},
	})

	for _, p := range []string{"tmp", "root"} {
		fn := filepath.Join(bundle, p)
		if err := os.MkdirAll(fn, 0777); err != nil {
			return err
		}
		oci.Mounts = append(oci.Mounts, specs.Mount{
			Destination: "/" + p,
			Source:      fn,
			Type:        "bind",
			Options:     []string{"bind", "private"},
		})
	}

	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		fmt.Sprintf("NODEPACK_BUILD_DIR=%s", SandboxBuildMount),
	}
	env = append(env, spec.Env...)

	oci.Hostname = "nodepack"
	oci.Process.Terminal = false
	oci.Process.NoNewPrivileges = !spec.Privileged
	oci.Process.Args = append([]string{spec.Command}, spec.Args...)
	oci.Process.Cwd = spec.Dir
	oci.Process.Env = env

	fc, err := json.MarshalIndent(oci, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), fc, 0644); err != nil {
		return err
	}

	args := []string{"--root", "state", "--log-format", "json"}
	if log.IsLevelEnabled(log.DebugLevel) {
		args = append(args, "--debug")
	}
	args = append(args, "run", fmt.Sprintf("nodepack-%d", os.Getpid()))

	cmd := exec.CommandContext(ctx, "runc", args...)
	cmd.Dir = bundle
	cmd.Stdout = output
	cmd.Stderr = output
	return cmd.Run()
}
