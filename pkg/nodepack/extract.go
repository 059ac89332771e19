package nodepack

import (
	"context"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// Extract unpacks an artifact archive into targetDir. It is idempotent and
// overwrites existing files of the same path. The archive itself is left in
// place; deleting it is the caller's responsibility.
func Extract(ctx context.Context, archivePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return ExtractionFailureErr{Archive: archivePath, Err: err}
	}

	args, err := BuildUnTarCommand(archivePath, targetDir)
	if err != nil {
		return ExtractionFailureErr{Archive: archivePath, Err: err}
	}

	log.WithField("archive", archivePath).WithField("target", targetDir).Debug("extracting artifact")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ExtractionFailureErr{Archive: archivePath, Output: string(out), Err: err}
	}
	return nil
}
