package nodepack

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Stack identifies the target base OS image family and version.
type Stack string

const (
	Stack18 Stack = "18"
	Stack20 Stack = "20"
	Stack22 Stack = "22"
)

// SupportedStacks lists the stacks this tool can provision environments for.
var SupportedStacks = []Stack{Stack18, Stack20, Stack22}

// Supported reports whether the stack belongs to the supported set.
func (s Stack) Supported() bool {
	for _, c := range SupportedStacks {
		if s == c {
			return true
		}
	}
	return false
}

// Config is the immutable build configuration. It is constructed once at
// startup (see cmd/) and passed explicitly to every component; no component
// reads ambient process state.
type Config struct {
	// Stack is the target base image. Required.
	Stack Stack

	// Release overrides the runtime release to install. Empty means the
	// pin file's default for the stack, falling back to "latest".
	Release string

	// Mirror is the artifact base URL. A "{stack}" placeholder is replaced
	// with the stack identifier at resolve time.
	Mirror string

	// PinFile is the version-pinning file whose content fingerprint scopes
	// all cache artifacts.
	PinFile string

	// CacheDir holds fetched artifacts and the per-family cache archives.
	CacheDir string

	// BuildDir is the sandbox-addressable execution root.
	BuildDir string

	// OutputDir is the final install path. When it differs from BuildDir
	// the stage-in/stage-out protocol reconciles the two trees.
	OutputDir string

	// Trace enables debug tracing.
	Trace bool

	// KeepArtifacts suppresses deletion of ephemeral artifacts at build
	// end. Used when testing cache behavior.
	KeepArtifacts bool

	// RemoteBucket enables the remote cache layer when non-empty.
	RemoteBucket string
	// RemoteRegion is the bucket's region.
	RemoteRegion string
}

// Validate performs the pre-flight checks. It must not touch the network.
func (c Config) Validate() error {
	if !c.Stack.Supported() {
		return UnsupportedStackErr{Stack: c.Stack}
	}
	return nil
}

// StagingRequired reports whether the execution root differs from the final
// install path, i.e. whether the stage-in/stage-out protocol is active.
func (c Config) StagingRequired() bool {
	return filepath.Clean(c.BuildDir) != filepath.Clean(c.OutputDir)
}

// pinFile is the schema of the version-pinning file.
type pinFile struct {
	// Releases maps a stack to its default runtime release.
	Releases map[string]string `yaml:"releases"`
	// Mirror is the default artifact base URL.
	Mirror string `yaml:"mirror"`
}

func loadPinFile(path string) (*pinFile, error) {
	fc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pins pinFile
	if err := yaml.Unmarshal(fc, &pins); err != nil {
		return nil, err
	}
	return &pins, nil
}

// ResolveRelease determines the runtime release to install: the explicit
// override wins, then the pin file's default for the stack, then "latest".
func (c Config) ResolveRelease() string {
	if c.Release != "" {
		return c.Release
	}
	if pins, err := loadPinFile(c.PinFile); err == nil {
		if rel, ok := pins.Releases[string(c.Stack)]; ok && rel != "" {
			return rel
		}
	}
	return DefaultRelease
}

// ResolveMirror determines the artifact base URL: the explicit override wins
// over the pin file's default.
func (c Config) ResolveMirror() string {
	if c.Mirror != "" {
		return c.Mirror
	}
	if pins, err := loadPinFile(c.PinFile); err == nil && pins.Mirror != "" {
		return pins.Mirror
	}
	return DefaultMirror
}
