package nodepack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Artifact names known to the store.
const (
	// ArtifactRuntime is the deploy runtime tree.
	ArtifactRuntime = "node"
	// ArtifactAddOn is the optional add-on runtime tree.
	ArtifactAddOn = "yarn"
	// ArtifactRootFS is the base environment image the sandbox is built
	// from.
	ArtifactRootFS = "rootfs"
)

// ArtifactStore resolves artifact names to remote locations and fetches them
// into the local artifact cache.
type ArtifactStore struct {
	// Mirror is the base URL artifacts are fetched from. A "{stack}"
	// placeholder is substituted at resolve time.
	Mirror string

	// Dir is where fetched artifacts are kept.
	Dir string

	// Client is used for downloads. Defaults to http.DefaultClient.
	Client *http.Client
}

// Resolve constructs the deterministic remote location of an artifact. It
// performs no network calls.
func (s *ArtifactStore) Resolve(name, key string, stack Stack) string {
	base := strings.TrimSuffix(strings.ReplaceAll(s.Mirror, "{stack}", string(stack)), "/")
	return fmt.Sprintf("%s/%s-%s.tar.gz", base, name, key)
}

// Fetch downloads the artifact at url into the store's directory and returns
// the local path. Artifacts already present are not fetched again. The
// download lands in a temporary file first and is renamed on success, so a
// failed transfer never leaves a corrupt file at the final path.
//
// Fetching is fail-fast: a non-2xx response or transport error surfaces as
// FetchFailureErr without retries.
func (s *ArtifactStore) Fetch(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", xerrors.Errorf("cannot create artifact cache: %w", err)
	}

	dest := filepath.Join(s.Dir, filepath.Base(url))
	if fi, err := os.Stat(dest); err == nil && !fi.IsDir() {
		log.WithField("artifact", dest).Debug("artifact already present, skipping fetch")
		return dest, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", FetchFailureErr{URL: url, Err: err}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	log.WithField("url", url).Info("fetching artifact")
	resp, err := client.Do(req)
	if err != nil {
		return "", FetchFailureErr{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", FetchFailureErr{URL: url, Status: resp.Status}
	}

	tmp := dest + ".partial"
	file, err := os.Create(tmp)
	if err != nil {
		return "", FetchFailureErr{URL: url, Err: err}
	}

	_, err = io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", FetchFailureErr{URL: url, Err: err}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", FetchFailureErr{URL: url, Err: err}
	}
	return dest, nil
}
