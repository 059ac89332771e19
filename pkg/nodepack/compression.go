package nodepack

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

var (
	compressor   = "gzip"
	decompressor = "gzip -d"
)

func init() {
	// Prefer pigz (parallel gzip) when available.
	if pigz, err := exec.LookPath("pigz"); err == nil {
		compressor = fmt.Sprintf("%s -p %d", pigz, runtime.NumCPU())
	}
}

// TarOptions configures archive creation for cache layers.
type TarOptions struct {
	// OutputFile is the path of the .tar.gz to produce.
	OutputFile string

	// SourcePaths are the files/directories to include, relative to
	// WorkingDir.
	SourcePaths []string

	// WorkingDir is passed to tar via -C before archiving.
	WorkingDir string

	// ExcludePatterns are glob patterns excluded from the archive.
	ExcludePatterns []string
}

// WithOutputFile sets the archive output path.
func WithOutputFile(path string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.OutputFile = path
	}
}

// WithSourcePaths adds files or directories to include in the archive.
func WithSourcePaths(paths ...string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.SourcePaths = append(opts.SourcePaths, paths...)
	}
}

// WithWorkingDir sets the directory tar changes into before archiving.
func WithWorkingDir(dir string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.WorkingDir = dir
	}
}

// WithExcludePatterns adds glob patterns to exclude from the archive.
func WithExcludePatterns(patterns ...string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.ExcludePatterns = append(opts.ExcludePatterns, patterns...)
	}
}

// BuildTarCommand assembles the tar invocation that creates a compressed
// cache archive. Exclude patterns apply at creation only; restoring always
// extracts everything archived.
func BuildTarCommand(options ...func(*TarOptions)) []string {
	opts := &TarOptions{}
	for _, option := range options {
		option(opts)
	}

	cmd := []string{"tar"}
	if runtime.GOOS == "linux" {
		cmd = append(cmd, "--sparse")
	}
	cmd = append(cmd, "-cf", opts.OutputFile)
	if opts.WorkingDir != "" {
		cmd = append(cmd, "-C", opts.WorkingDir)
	}
	for _, pattern := range opts.ExcludePatterns {
		cmd = append(cmd, "--exclude", pattern)
	}
	cmd = append(cmd, fmt.Sprintf("--use-compress-program=%v", compressor))
	if len(opts.SourcePaths) > 0 {
		cmd = append(cmd, opts.SourcePaths...)
	} else {
		cmd = append(cmd, ".")
	}

	return cmd
}

// detectDecompressor inspects a file's magic bytes and returns the program
// that decompresses it, or an empty string for a plain tar.
func detectDecompressor(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(file, header); err != nil {
		// too short to carry a compression magic
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", nil
		}
		return "", err
	}

	switch {
	case header[0] == 0x1F && header[1] == 0x8B:
		return decompressor, nil
	case header[0] == 0x28 && header[1] == 0xB5 && header[2] == 0x2F && header[3] == 0xFD:
		return "zstd -d", nil
	}
	return "", nil
}

// BuildUnTarCommand assembles the tar invocation that unpacks an artifact or
// cache archive into a target directory, overwriting files of the same path.
func BuildUnTarCommand(inputFile, targetDir string) ([]string, error) {
	cmd := []string{"tar"}
	if runtime.GOOS == "linux" {
		cmd = append(cmd, "--sparse")
	}
	cmd = append(cmd, "-xf", inputFile, "--no-same-owner")
	if targetDir != "" {
		cmd = append(cmd, "-C", targetDir)
	}

	decompr := decompressor
	if !strings.HasSuffix(inputFile, ".gz") {
		var err error
		decompr, err = detectDecompressor(inputFile)
		if err != nil {
			return nil, err
		}
	}
	if decompr != "" {
		cmd = append(cmd, fmt.Sprintf("--use-compress-program=%v", decompr))
	}

	return cmd, nil
}
