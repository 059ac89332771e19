// Package pkgjson reads the application's package.json as far as
// provisioning needs it: the declared engine constraints and the workspace
// layout. It is deliberately not a full manifest parser.
package pkgjson

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// Engines is the package.json engines stanza.
type Engines struct {
	Node string `json:"node"`
	NPM  string `json:"npm"`
	Yarn string `json:"yarn"`
}

// WorkspaceList accepts both forms the workspaces stanza comes in: a plain
// glob list and an object with a packages list.
type WorkspaceList []string

func (w *WorkspaceList) UnmarshalJSON(data []byte) error {
	var globs []string
	if err := json.Unmarshal(data, &globs); err == nil {
		*w = globs
		return nil
	}

	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return xerrors.Errorf("unsupported workspaces stanza: %w", err)
	}
	*w = obj.Packages
	return nil
}

// PackageJSON is an application manifest.
type PackageJSON struct {
	// Origin is the location in the filesystem
	Origin string `json:"-"`

	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Engines         Engines           `json:"engines"`
	Workspaces      WorkspaceList     `json:"workspaces"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Read loads the package.json at the root of dir. Returns nil if the tree
// has no manifest, which is not an error: plain init-script trees don't
// carry one.
func Read(dir string) (*PackageJSON, error) {
	fn := filepath.Join(dir, "package.json")
	fc, err := os.ReadFile(fn)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res PackageJSON
	if err := json.Unmarshal(fc, &res); err != nil {
		return nil, xerrors.Errorf("cannot parse %s: %w", fn, err)
	}
	res.Origin = fn
	return &res, nil
}

// NodeSatisfiedBy reports whether release satisfies the engines.node
// constraint. known is false when the constraint uses range syntax this
// check does not interpret; callers should stay silent in that case rather
// than produce false warnings.
func (e Engines) NodeSatisfiedBy(release string) (ok bool, known bool) {
	constraint := strings.TrimSpace(e.Node)
	if constraint == "" {
		return true, true
	}

	rel := "v" + strings.TrimPrefix(release, "v")
	if !semver.IsValid(rel) {
		return false, false
	}

	switch {
	case strings.HasPrefix(constraint, ">="):
		min := "v" + strings.TrimSpace(strings.TrimPrefix(constraint, ">="))
		if !semver.IsValid(min) {
			return false, false
		}
		return semver.Compare(rel, min) >= 0, true

	case strings.HasPrefix(constraint, "^"):
		want := "v" + strings.TrimPrefix(constraint, "^")
		if !semver.IsValid(want) {
			return false, false
		}
		return semver.Major(rel) == semver.Major(want) && semver.Compare(rel, want) >= 0, true

	case strings.HasSuffix(constraint, ".x"), strings.HasSuffix(constraint, ".*"):
		major := "v" + strings.TrimSuffix(strings.TrimSuffix(constraint, ".x"), ".*")
		if !semver.IsValid(major) {
			return false, false
		}
		return semver.Major(rel) == semver.Major(major), true
	}

	want := "v" + constraint
	if !semver.IsValid(want) {
		return false, false
	}
	return semver.Compare(rel, want) == 0, true
}
