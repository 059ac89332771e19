//go:build !linux

package nodepack

import (
	"context"
	"io"

	"golang.org/x/xerrors"
)

// runIsolated requires a Linux container runtime.
func (s *Sandbox) runIsolated(ctx context.Context, spec RunSpec, output io.Writer) error {
	return xerrors.Errorf("sandboxed execution is only supported on linux")
}
