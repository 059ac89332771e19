package nodepack

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/stackpod/nodepack/pkg/nodepack/cache"
)

// Cache family names. The four families are persisted and restored
// independently: a miss in one never invalidates the others.
const (
	// FamilyEnv is the environment (rootfs) snapshot.
	FamilyEnv = "env"
	// FamilyModules is the runtime's package library.
	FamilyModules = "modules"
	// FamilyNPM is the npm strategy's package cache.
	FamilyNPM = "npm"
	// FamilyYarn is the yarn strategy's package cache.
	FamilyYarn = "yarn"
)

// CacheFamily describes one independently cached subtree, governed by an
// ordered exclude-pattern manifest. Excludes apply when the archive is
// created; restoring always extracts everything archived.
type CacheFamily struct {
	Name    string   `yaml:"name"`
	Paths   []string `yaml:"paths"`
	Exclude []string `yaml:"exclude"`

	// Root is the host directory Paths are relative to. Set by the
	// pipeline, never by manifest data.
	Root string `yaml:"-"`
}

// DefaultFamilies returns the four cache families over the given build and
// rootfs trees.
func DefaultFamilies(buildDir, rootfsDir string) []CacheFamily {
	return []CacheFamily{
		{
			Name:  FamilyEnv,
			Root:  rootfsDir,
			Paths: []string{"."},
			Exclude: []string{
				"./proc/*",
				"./sys/*",
				"./dev/*",
				"./tmp/*",
				"./var/cache/apt/*",
				"./var/lib/apt/lists/*",
			},
		},
		{
			Name:    FamilyModules,
			Root:    buildDir,
			Paths:   []string{filepath.Join(RuntimeDir, "lib", "node_modules")},
			Exclude: []string{"*/.cache/*"},
		},
		{
			Name:    FamilyNPM,
			Root:    buildDir,
			Paths:   []string{".npm"},
			Exclude: []string{"*/_logs/*"},
		},
		{
			Name:  FamilyYarn,
			Root:  buildDir,
			Paths: []string{filepath.Join(".cache", "yarn")},
		},
	}
}

// ApplyExcludeManifest overrides the families' exclude lists with the ordered
// glob lists from a manifest file. Families the manifest does not name keep
// their defaults. A missing manifest file is fine.
func ApplyExcludeManifest(families []CacheFamily, path string) ([]CacheFamily, error) {
	fc, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return families, nil
	}
	if err != nil {
		return nil, err
	}

	var manifest map[string][]string
	if err := yaml.Unmarshal(fc, &manifest); err != nil {
		return nil, xerrors.Errorf("cannot parse exclude manifest %s: %w", path, err)
	}

	res := make([]CacheFamily, len(families))
	copy(res, families)
	for i, family := range res {
		if patterns, ok := manifest[family.Name]; ok {
			res[i].Exclude = patterns
		}
	}
	return res, nil
}

// OutputCache persists selected subtrees as compressed archives keyed by
// cache key, and restores matching archives at the start of the next build.
type OutputCache struct {
	// Dir is the local archive directory.
	Dir string
	// Remote is the best-effort remote mirror of Dir.
	Remote cache.RemoteCache
}

// NewOutputCache creates the cache archive directory if necessary.
func NewOutputCache(dir string, remote cache.RemoteCache) (*OutputCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("cannot create cache directory: %w", err)
	}
	return &OutputCache{Dir: dir, Remote: remote}, nil
}

// ArchiveName computes the archive file name for a (family, key) pair.
func (c *OutputCache) ArchiveName(family, key string) string {
	return fmt.Sprintf("%s-%s.tar.gz", family, key)
}

// Restore extracts the family's archive in place if one exists for the key.
// It returns false on a miss, which is not an error and leaves the tree
// untouched.
func (c *OutputCache) Restore(ctx context.Context, family CacheFamily, key string) (bool, error) {
	name := c.ArchiveName(family.Name, key)
	archive := filepath.Join(c.Dir, name)

	if !fileExists(archive) && c.Remote != nil {
		if err := c.Remote.Download(ctx, c.Dir, []string{name}); err != nil {
			log.WithError(err).WithField("family", family.Name).Warn("remote cache download failed - continuing without")
		}
	}
	if !fileExists(archive) {
		log.WithField("family", family.Name).Debug("cache miss")
		return false, nil
	}

	if err := os.MkdirAll(family.Root, 0755); err != nil {
		return false, xerrors.Errorf("cannot restore cache family %s: %w", family.Name, err)
	}
	if err := Extract(ctx, archive, family.Root); err != nil {
		return false, err
	}
	log.WithField("family", family.Name).Info("restored from cache")
	return true, nil
}

// Persist archives the family's paths under the key, applying the family's
// exclude manifest. Paths that do not exist are skipped; a family with no
// existing path at all produces no archive. The archive is written to a
// temporary file and renamed so a failed run never leaves a corrupt archive.
func (c *OutputCache) Persist(ctx context.Context, family CacheFamily, key string) error {
	var paths []string
	for _, p := range family.Paths {
		if _, err := os.Stat(filepath.Join(family.Root, p)); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		log.WithField("family", family.Name).Debug("nothing to persist")
		return nil
	}

	archive := filepath.Join(c.Dir, c.ArchiveName(family.Name, key))
	tmp := archive + ".tmp"

	args := BuildTarCommand(
		WithOutputFile(tmp),
		WithWorkingDir(family.Root),
		WithSourcePaths(paths...),
		WithExcludePatterns(family.Exclude...),
	)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return xerrors.Errorf("cannot persist cache family %s: %w\n%s", family.Name, err, string(out))
	}
	if err := os.Rename(tmp, archive); err != nil {
		os.Remove(tmp)
		return xerrors.Errorf("cannot persist cache family %s: %w", family.Name, err)
	}

	log.WithField("family", family.Name).WithField("archive", archive).Debug("persisted cache family")
	return nil
}

// RestoreAll restores every family independently and reports which ones hit.
func (c *OutputCache) RestoreAll(ctx context.Context, families []CacheFamily, key string) (map[string]bool, error) {
	hits := make(map[string]bool, len(families))
	for _, family := range families {
		hit, err := c.Restore(ctx, family, key)
		if err != nil {
			return nil, err
		}
		hits[family.Name] = hit
	}
	return hits, nil
}

// PersistAll archives every family under the key and mirrors the archives to
// the remote layer when one is configured.
func (c *OutputCache) PersistAll(ctx context.Context, families []CacheFamily, key string) error {
	names := make([]string, 0, len(families))
	for _, family := range families {
		if err := c.Persist(ctx, family, key); err != nil {
			return err
		}
		names = append(names, c.ArchiveName(family.Name, key))
	}

	if c.Remote != nil {
		if err := c.Remote.Upload(ctx, c.Dir, names); err != nil {
			log.WithError(err).Warn("remote cache upload failed - continuing")
		}
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
