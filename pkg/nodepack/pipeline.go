package nodepack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/stackpod/nodepack/pkg/internal/pkgjson"
	"github.com/stackpod/nodepack/pkg/nodepack/cache"
)

type buildOptions struct {
	Reporter    *Reporter
	Runner      Runner
	RemoteCache cache.RemoteCache
	Strategies  []BootstrapStrategy
}

// BuildOption configures a single build.
type BuildOption func(*buildOptions) error

// WithReporter sets the progress reporter.
func WithReporter(reporter *Reporter) BuildOption {
	return func(opts *buildOptions) error {
		opts.Reporter = reporter
		return nil
	}
}

// WithRunner overrides the sandbox runner. Mainly used in tests.
func WithRunner(runner Runner) BuildOption {
	return func(opts *buildOptions) error {
		opts.Runner = runner
		return nil
	}
}

// WithRemoteCache enables a remote mirror for the cache archives.
func WithRemoteCache(remote cache.RemoteCache) BuildOption {
	return func(opts *buildOptions) error {
		opts.RemoteCache = remote
		return nil
	}
}

// WithStrategies overrides the bootstrap strategy list.
func WithStrategies(strategies []BootstrapStrategy) BuildOption {
	return func(opts *buildOptions) error {
		opts.Strategies = strategies
		return nil
	}
}

func applyBuildOpts(opts []BuildOption) (buildOptions, error) {
	options := buildOptions{}
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return options, err
		}
	}
	if options.Reporter == nil {
		options.Reporter = NewConsoleReporter()
	}
	return options, nil
}

// Build runs the whole provisioning pipeline: validate, restore caches, fetch
// and extract artifacts, stage in, bootstrap inside the sandbox, stage out,
// persist caches. Every step is sequential and any failure aborts the
// remainder; caches are only refreshed after the bootstrap stage succeeded.
func Build(ctx context.Context, cfg Config, opts ...BuildOption) (err error) {
	options, err := applyBuildOpts(opts)
	if err != nil {
		return err
	}
	reporter := options.Reporter

	// pre-flight, before any network activity
	if err := cfg.Validate(); err != nil {
		return err
	}

	release := cfg.ResolveRelease()
	fingerprint, err := ConfigFingerprint(cfg.PinFile)
	if err != nil {
		return xerrors.Errorf("cannot fingerprint %s: %w", cfg.PinFile, err)
	}
	key := DeriveCacheKey(release, cfg.Stack, fingerprint)
	reporter.Infof("provisioning %s for stack %s (cache key %s)", release, cfg.Stack, key)

	if err := os.MkdirAll(cfg.BuildDir, 0755); err != nil {
		return xerrors.Errorf("cannot create build directory: %w", err)
	}

	// the extracted tree is keyed like every other cache artifact:
	// extraction only ever overwrites, so sharing one tree across keys
	// would leak files the new image no longer has
	rootfsDir := filepath.Join(cfg.CacheDir, "rootfs", key)
	families := DefaultFamilies(cfg.BuildDir, rootfsDir)
	families, err = ApplyExcludeManifest(families, filepath.Join(filepath.Dir(cfg.PinFile), "cache-excludes.yaml"))
	if err != nil {
		return err
	}

	layers, err := NewOutputCache(filepath.Join(cfg.CacheDir, "layers"), options.RemoteCache)
	if err != nil {
		return err
	}

	var hits map[string]bool
	err = runPhase(reporter, "cache restore", func() error {
		hits, err = layers.RestoreAll(ctx, families, key)
		return err
	})
	if err != nil {
		return err
	}

	store := &ArtifactStore{
		Mirror: cfg.ResolveMirror(),
		Dir:    filepath.Join(cfg.CacheDir, "artifacts"),
	}

	var ephemeral []string
	err = runPhase(reporter, "image fetch", func() error {
		if !hits[FamilyEnv] {
			archive, err := fetchAndExtract(ctx, store, ArtifactRootFS, key, cfg.Stack, rootfsDir)
			if err != nil {
				return err
			}
			ephemeral = append(ephemeral, archive)
		}

		// presence is probed via the runtime's own entrypoint binary:
		// a restored modules family recreates the runtime directory
		// without the runtime in it
		if !fileExists(filepath.Join(cfg.BuildDir, RuntimeDir, "bin", "node")) {
			archive, err := fetchAndExtract(ctx, store, ArtifactRuntime, key, cfg.Stack, filepath.Join(cfg.BuildDir, RuntimeDir))
			if err != nil {
				return err
			}
			ephemeral = append(ephemeral, archive)
		}

		// the add-on runtime is only needed for the yarn strategy
		if fileExists(filepath.Join(cfg.OutputDir, "yarn.lock")) &&
			!fileExists(filepath.Join(cfg.BuildDir, AddOnDir, "bin", "yarn")) {
			archive, err := fetchAndExtract(ctx, store, ArtifactAddOn, key, cfg.Stack, filepath.Join(cfg.BuildDir, AddOnDir))
			if err != nil {
				return err
			}
			ephemeral = append(ephemeral, archive)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// When the sandbox's addressable root differs from the final install
	// path the two trees are reconciled through the explicit stage-in /
	// stage-out protocol. The exclusion snapshot is taken before staging
	// begins and protects platform-managed files.
	var exclusions SyncExclusions
	if cfg.StagingRequired() {
		exclusions, err = SnapshotExclusions(cfg.OutputDir)
		if err != nil {
			return err
		}
		if err := StageIn(cfg.OutputDir, cfg.BuildDir); err != nil {
			return err
		}
	}

	if pkg, err := pkgjson.Read(cfg.BuildDir); err != nil {
		reporter.Warnf("cannot read package.json: %v", err)
	} else if pkg != nil {
		if ok, known := pkg.Engines.NodeSatisfiedBy(release); known && !ok {
			reporter.Warnf("package.json wants node %s but %s is being provisioned", pkg.Engines.Node, release)
		}
	}

	if err := WriteEnvironmentScript(cfg.BuildDir); err != nil {
		return xerrors.Errorf("cannot write environment script: %w", err)
	}
	if err := WritePrivilegeShims(cfg.BuildDir); err != nil {
		return xerrors.Errorf("cannot write privilege shims: %w", err)
	}

	runner := options.Runner
	if runner == nil {
		runner = NewSandbox(rootfsDir, cfg.BuildDir, reporter.CommandOutput("bootstrap"))
	}

	err = runPhase(reporter, "system packages", func() error {
		aptfile, deprecated, ok := FindAptfile(cfg.BuildDir)
		if !ok {
			return nil
		}
		if deprecated {
			reporter.Warnf("Aptfile at the tree root is deprecated, move it to config/Aptfile")
		}
		return InstallSystemPackages(ctx, runner, aptfile)
	})
	if err != nil {
		return err
	}

	err = runPhase(reporter, "bootstrap", func() error {
		bootstrapper := &Bootstrapper{
			BuildDir:   cfg.BuildDir,
			Runner:     runner,
			Strategies: options.Strategies,
			Env:        bootstrapEnv(),
		}
		return bootstrapper.Bootstrap(ctx)
	})
	if err != nil {
		return err
	}

	if cfg.StagingRequired() {
		if err := StageOut(cfg.BuildDir, cfg.OutputDir, exclusions); err != nil {
			return err
		}
	}

	err = runPhase(reporter, "cache persist", func() error {
		return layers.PersistAll(ctx, families, key)
	})
	if err != nil {
		return err
	}

	if cfg.KeepArtifacts {
		log.WithField("artifacts", ephemeral).Debug("keeping ephemeral artifacts")
	} else {
		for _, archive := range ephemeral {
			if err := os.Remove(archive); err != nil {
				log.WithError(err).WithField("artifact", archive).Warn("cannot remove ephemeral artifact")
			}
		}
	}

	reporter.Infof("build environment ready at %s", cfg.OutputDir)
	return nil
}

// fetchAndExtract retrieves one artifact and unpacks it into targetDir. It
// returns the fetched archive's local path so the caller can dispose of it.
func fetchAndExtract(ctx context.Context, store *ArtifactStore, name, key string, stack Stack, targetDir string) (string, error) {
	url := store.Resolve(name, key, stack)
	archive, err := store.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if err := Extract(ctx, archive, targetDir); err != nil {
		return "", err
	}
	return archive, nil
}

// bootstrapEnv is the in-sandbox environment the strategy entrypoints see.
// All paths are relative to the fixed build mount.
func bootstrapEnv() []string {
	return []string{
		fmt.Sprintf("PATH=%[1]s/%[2]s:%[1]s/%[3]s/bin:%[1]s/%[4]s/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			SandboxBuildMount, ShimDir, RuntimeDir, AddOnDir),
		fmt.Sprintf("HOME=%s", SandboxBuildMount),
		fmt.Sprintf("LD_LIBRARY_PATH=%s/%s", SandboxBuildMount, LibDir),
		fmt.Sprintf("NPM_CONFIG_CACHE=%s/.npm", SandboxBuildMount),
		fmt.Sprintf("YARN_CACHE_FOLDER=%s/.cache/yarn", SandboxBuildMount),
	}
}

func runPhase(reporter *Reporter, phase string, fn func() error) error {
	reporter.PhaseStarted(phase)
	err := fn()
	reporter.PhaseFinished(phase, err)
	return err
}
