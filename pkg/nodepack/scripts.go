package nodepack

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// EnvScript is the generated startup/environment script, relative to the
// build tree. Process managers source everything under .profile.d at app
// start.
const EnvScript = ".profile.d/nodepack.sh"

// Aptfile locations: the config/ one is preferred, the tree root one is
// deprecated and only produces a warning.
const (
	aptfilePath           = "config/Aptfile"
	deprecatedAptfilePath = "Aptfile"
)

// WriteEnvironmentScript generates the startup script that puts the
// provisioned runtime on PATH at application start.
func WriteEnvironmentScript(buildDir string) error {
	script := fmt.Sprintf(`#!/bin/bash
export NODE_HOME="$HOME/%s"
export PATH="$HOME/%s:$NODE_HOME/bin:$HOME/%s/bin:$PATH"
export LD_LIBRARY_PATH="$HOME/%s${LD_LIBRARY_PATH:+:$LD_LIBRARY_PATH}"
`, RuntimeDir, ShimDir, AddOnDir, LibDir)

	dest := filepath.Join(buildDir, EnvScript)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(script), 0755)
}

// WritePrivilegeShims writes the compatibility wrappers for the sandbox's
// privilege elevation mechanisms. Install scripts commonly prefix commands
// with sudo; inside the sandbox privilege separation is handled by the
// execution mode, so the shim just executes its arguments.
func WritePrivilegeShims(buildDir string) error {
	dir := filepath.Join(buildDir, ShimDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	shim := "#!/bin/sh\nexec \"$@\"\n"
	for _, name := range []string{"sudo", "fakeroot"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(shim), 0755); err != nil {
			return err
		}
	}
	return nil
}

// FindAptfile locates the system-package declaration in the build tree.
// deprecated is true when only the old tree-root location exists.
func FindAptfile(buildDir string) (path string, deprecated bool, ok bool) {
	preferred := filepath.Join(buildDir, aptfilePath)
	if fileExists(preferred) {
		return preferred, false, true
	}
	old := filepath.Join(buildDir, deprecatedAptfilePath)
	if fileExists(old) {
		return old, true, true
	}
	return "", false, false
}

// InstallSystemPackages installs the packages named by the Aptfile inside the
// sandbox using privileged mode. A non-zero exit is fatal.
func InstallSystemPackages(ctx context.Context, runner Runner, aptfile string) error {
	packages, err := readAptfile(aptfile)
	if err != nil {
		return xerrors.Errorf("cannot read %s: %w", aptfile, err)
	}
	if len(packages) == 0 {
		return nil
	}

	log.WithField("packages", packages).Info("installing system packages")
	for _, args := range [][]string{
		{"update"},
		append([]string{"install", "-y", "--no-install-recommends"}, packages...),
	} {
		res, err := runner.Run(ctx, RunSpec{
			Command:    "apt-get",
			Args:       args,
			Privileged: true,
		})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return PrivilegedExecFailureErr{
				Command:  fmt.Sprintf("apt-get %s", args[0]),
				ExitCode: res.ExitCode,
				Output:   string(res.CombinedOutput),
			}
		}
	}
	return nil
}

func readAptfile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var packages []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		packages = append(packages, line)
	}
	return packages, scanner.Err()
}
