package nodepack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/stackpod/nodepack/pkg/doublestar"
)

// Well-known locations inside the build tree.
const (
	// RuntimeDir is where the deploy runtime is unpacked.
	RuntimeDir = ".nodepack/node"
	// AddOnDir is where the optional add-on runtime is unpacked.
	AddOnDir = ".nodepack/yarn"
	// LibDir is the sandbox's library search path for discovered shared
	// libraries.
	LibDir = ".nodepack/lib"
	// ShimDir holds the compatibility wrappers for privilege elevation.
	ShimDir = ".nodepack/bin"
)

// BootstrapStrategy is one marker-file-triggered procedure that installs
// language-level package dependencies. Strategies are independent: all
// applicable ones run, in the order DefaultStrategies returns them.
type BootstrapStrategy struct {
	// Name identifies the strategy in logs and errors.
	Name string
	// Marker is the file, relative to the build tree, whose presence
	// makes the strategy applicable.
	Marker string
	// Command and Args form the strategy's entrypoint, executed
	// unprivileged with the build tree as working directory.
	Command string
	Args    []string
	// ScanRoot is the subtree, relative to the build tree, the shared
	// library discovery pass is restricted to after the entrypoint
	// succeeded.
	ScanRoot string
}

// DefaultStrategies returns the fixed-priority strategy list: the plain init
// script first, then the npm lockfile restore, then the yarn lockfile
// restore.
func DefaultStrategies() []BootstrapStrategy {
	return []BootstrapStrategy{
		{
			Name:     "init-script",
			Marker:   "bootstrap.sh",
			Command:  "bash",
			Args:     []string{"bootstrap.sh"},
			ScanRoot: filepath.Join(RuntimeDir, "lib", "node_modules"),
		},
		{
			Name:     "npm-ci",
			Marker:   "package-lock.json",
			Command:  filepath.Join(SandboxBuildMount, RuntimeDir, "bin", "npm"),
			Args:     []string{"ci", "--production=false"},
			ScanRoot: "node_modules",
		},
		{
			Name:     "yarn-install",
			Marker:   "yarn.lock",
			Command:  filepath.Join(SandboxBuildMount, AddOnDir, "bin", "yarn"),
			Args:     []string{"install", "--frozen-lockfile"},
			ScanRoot: "node_modules",
		},
	}
}

// Bootstrapper runs all applicable bootstrap strategies inside the sandbox.
type Bootstrapper struct {
	// BuildDir is the host path of the build tree.
	BuildDir string
	// Runner executes the strategy entrypoints.
	Runner Runner
	// Strategies is the ordered strategy list. Defaults to
	// DefaultStrategies when nil.
	Strategies []BootstrapStrategy
	// Env is added to every strategy invocation.
	Env []string
}

// Bootstrap evaluates the strategies once, in order. A strategy whose marker
// is absent is skipped; that is not an error. A strategy that started and
// failed aborts the whole pass, later strategies do not run.
func (b *Bootstrapper) Bootstrap(ctx context.Context) error {
	strategies := b.Strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}

	for _, strategy := range strategies {
		marker := filepath.Join(b.BuildDir, strategy.Marker)
		if _, err := os.Stat(marker); err != nil {
			log.WithField("strategy", strategy.Name).WithField("marker", strategy.Marker).Debug("marker absent, skipping strategy")
			continue
		}

		log.WithField("strategy", strategy.Name).Info("installing dependencies")
		res, err := b.Runner.Run(ctx, RunSpec{
			Command: strategy.Command,
			Args:    strategy.Args,
			Env:     b.Env,
		})
		if err != nil {
			return xerrors.Errorf("strategy %s: %w", strategy.Name, err)
		}
		if res.ExitCode != 0 {
			return BootstrapFailureErr{
				Strategy: strategy.Name,
				ExitCode: res.ExitCode,
				Output:   string(res.CombinedOutput),
			}
		}

		if err := b.discoverSharedLibraries(ctx, strategy.ScanRoot); err != nil {
			return xerrors.Errorf("strategy %s: %w", strategy.Name, err)
		}
	}
	return nil
}

// discoverSharedLibraries finds compiled addons below scanRoot, resolves
// their dynamic dependencies and copies any dependency the base image does
// not satisfy into the sandbox's library search path. Re-running the pass
// with already-satisfied dependencies is a no-op.
func (b *Bootstrapper) discoverSharedLibraries(ctx context.Context, scanRoot string) error {
	root := filepath.Join(b.BuildDir, scanRoot)
	if _, err := os.Stat(root); err != nil {
		return nil
	}

	matches, err := doublestar.Glob(root, "**/*.node")
	if err != nil {
		return xerrors.Errorf("cannot scan %s for compiled addons: %w", scanRoot, err)
	}

	libdir := filepath.Join(b.BuildDir, LibDir)
	for _, match := range matches {
		rel, err := filepath.Rel(b.BuildDir, match)
		if err != nil {
			return err
		}

		res, err := b.Runner.Run(ctx, RunSpec{
			Command: "ldd",
			Args:    []string{filepath.Join(SandboxBuildMount, rel)},
			Env:     b.Env,
		})
		if err != nil {
			return xerrors.Errorf("cannot resolve dependencies of %s: %w", rel, err)
		}
		if res.ExitCode != 0 {
			// not a dynamic executable, or not an ELF at all
			log.WithField("file", rel).Debug("ldd failed, skipping file")
			continue
		}

		for _, lib := range parseMissingLibraries(string(res.CombinedOutput)) {
			if err := b.copyDiscoveredLibrary(lib, libdir); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseMissingLibraries extracts the names of unresolved libraries from ldd
// output.
func parseMissingLibraries(out string) []string {
	var res []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "not found") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		res = append(res, fields[0])
	}
	return res
}

// copyDiscoveredLibrary locates lib in the build tree and copies it into
// libdir. Libraries already present are left alone, libraries that cannot be
// found anywhere only produce a warning: the application may load them lazily
// or never.
func (b *Bootstrapper) copyDiscoveredLibrary(lib, libdir string) error {
	dest := filepath.Join(libdir, lib)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	candidates, err := doublestar.Glob(b.BuildDir, fmt.Sprintf("**/%s", lib))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.WithField("library", lib).Warn("shared library not found in build tree")
		return nil
	}

	if err := os.MkdirAll(libdir, 0755); err != nil {
		return err
	}
	if err := copyFile(candidates[0], dest); err != nil {
		return xerrors.Errorf("cannot copy %s: %w", lib, err)
	}
	log.WithField("library", lib).Debug("copied shared library into search path")
	return nil
}
