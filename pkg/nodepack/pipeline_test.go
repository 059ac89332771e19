package nodepack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// requestRecorder captures the artifact paths a build requested.
type requestRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *requestRecorder) add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *requestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func (r *requestRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = nil
}

func (r *requestRecorder) requested(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.paths {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

// artifactServer serves a minimal tar.gz for every artifact URL. The archive
// carries the entrypoint binaries the pipeline probes for.
func artifactServer(t *testing.T) (*httptest.Server, *requestRecorder) {
	t.Helper()

	archive := filepath.Join(t.TempDir(), "artifact.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"bin/node": "#!node",
		"bin/yarn": "#!yarn",
		"marker":   "artifact content",
	})
	payload, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	recorder := &requestRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.add(r.URL.Path)
		if !strings.HasSuffix(r.URL.Path, ".tar.gz") {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, recorder
}

func testBuildConfig(t *testing.T, mirror string) Config {
	t.Helper()

	pinDir := t.TempDir()
	pinFile := filepath.Join(pinDir, "versions.yaml")
	if err := os.WriteFile(pinFile, []byte("releases:\n  \"22\": 20.11.1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	return Config{
		Stack:     Stack22,
		Mirror:    mirror,
		PinFile:   pinFile,
		CacheDir:  t.TempDir(),
		BuildDir:  t.TempDir(),
		OutputDir: t.TempDir(),
	}
}

// buildKey derives the cache key a build over cfg will use.
func buildKey(t *testing.T, cfg Config) string {
	t.Helper()
	fingerprint, err := ConfigFingerprint(cfg.PinFile)
	if err != nil {
		t.Fatal(err)
	}
	return DeriveCacheKey(cfg.ResolveRelease(), cfg.Stack, fingerprint)
}

func TestBuildFailsBeforeFetchOnUnsupportedStack(t *testing.T) {
	t.Parallel()

	srv, requests := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")
	cfg.Stack = Stack("19")

	err := Build(context.Background(), cfg, WithRunner(&recordingRunner{}))
	var unsupported UnsupportedStackErr
	if !errors.As(err, &unsupported) {
		t.Fatalf("Build() error = %v, want UnsupportedStackErr", err)
	}
	if n := requests.count(); n != 0 {
		t.Errorf("Build() performed %d artifact requests before failing validation, want 0", n)
	}
}

func TestBuildEndToEnd(t *testing.T) {
	t.Parallel()
	requireTar(t)

	srv, _ := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")

	// the app tree carries an npm lockfile, so the npm strategy applies
	writeTree(t, cfg.OutputDir, map[string]string{
		"package.json":      `{"name":"app"}`,
		"package-lock.json": `{"lockfileVersion":3}`,
	})

	runner := &recordingRunner{}
	if err := Build(context.Background(), cfg, WithRunner(runner)); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// the npm strategy ran unprivileged with the sandbox environment
	var ranNPM bool
	for _, spec := range runner.Invocations {
		if !strings.HasSuffix(spec.Command, "/npm") {
			continue
		}
		ranNPM = true
		if spec.Privileged {
			t.Error("npm strategy ran privileged")
		}
		if len(spec.Env) == 0 {
			t.Error("npm strategy ran without the sandbox environment")
		}
	}
	if !ranNPM {
		t.Errorf("npm strategy did not run, invocations: %v", runner.commands())
	}

	// the staged-out tree carries the runtime, the generated environment
	// script and shims, and keeps the platform files
	for _, fn := range []string{
		filepath.Join(RuntimeDir, "bin", "node"),
		EnvScript,
		filepath.Join(ShimDir, "sudo"),
		"package-lock.json",
		"package.json",
	} {
		if !fileExists(filepath.Join(cfg.OutputDir, fn)) {
			t.Errorf("output tree is missing %s", fn)
		}
	}

	// the environment cache family was persisted
	entries, err := os.ReadDir(filepath.Join(cfg.CacheDir, "layers"))
	if err != nil {
		t.Fatal(err)
	}
	var envArchive bool
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), FamilyEnv+"-") {
			envArchive = true
		}
	}
	if !envArchive {
		t.Errorf("no %s cache archive was persisted, cache holds %v", FamilyEnv, entries)
	}

	// ephemeral artifact archives were disposed of
	artifacts, err := os.ReadDir(filepath.Join(cfg.CacheDir, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 0 {
		t.Errorf("ephemeral artifacts were kept: %v", artifacts)
	}
}

func TestBuildSecondRunHitsCache(t *testing.T) {
	t.Parallel()
	requireTar(t)

	srv, requests := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")

	runner := &recordingRunner{}
	if err := Build(context.Background(), cfg, WithRunner(runner)); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	if requests.count() == 0 {
		t.Fatal("first Build() fetched no artifacts")
	}

	requests.reset()
	if err := Build(context.Background(), cfg, WithRunner(runner)); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if n := requests.count(); n != 0 {
		t.Errorf("second Build() fetched %d artifacts despite warm caches, want 0", n)
	}
}

func TestBuildWarmModulesCacheStillFetchesRuntime(t *testing.T) {
	t.Parallel()
	requireTar(t)

	srv, requests := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")
	key := buildKey(t, cfg)

	// a surviving modules family recreates the runtime directory in the
	// fresh build dir before the image-fetch phase runs
	layers := filepath.Join(cfg.CacheDir, "layers")
	if err := os.MkdirAll(layers, 0755); err != nil {
		t.Fatal(err)
	}
	writeTarGz(t, filepath.Join(layers, (&OutputCache{}).ArchiveName(FamilyModules, key)), map[string]string{
		filepath.Join(RuntimeDir, "lib", "node_modules", "npm", "package.json"): "{}",
	})

	if err := Build(context.Background(), cfg, WithRunner(&recordingRunner{})); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !requests.requested("/node-") {
		t.Errorf("deploy runtime was never fetched; requests: %v", requests.paths)
	}
	if !fileExists(filepath.Join(cfg.BuildDir, RuntimeDir, "bin", "node")) {
		t.Error("runtime binary is missing from the build tree")
	}
	// the restored modules tree survived the runtime extraction
	if !fileExists(filepath.Join(cfg.BuildDir, RuntimeDir, "lib", "node_modules", "npm", "package.json")) {
		t.Error("restored modules tree was lost")
	}
}

func TestBuildRootfsIsolationAcrossKeys(t *testing.T) {
	t.Parallel()
	requireTar(t)

	srv, _ := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")

	if err := Build(context.Background(), cfg, WithRunner(&recordingRunner{})); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	oldKey := buildKey(t, cfg)

	// a file only the old environment image had
	stale := filepath.Join(cfg.CacheDir, "rootfs", oldKey, "usr", "lib", "old-openssl.so")
	writeTree(t, filepath.Join(cfg.CacheDir, "rootfs", oldKey), map[string]string{
		filepath.Join("usr", "lib", "old-openssl.so"): "obsolete",
	})

	// rolling a pin rolls the key; nothing of the old tree may reappear
	if err := os.WriteFile(cfg.PinFile, []byte("releases:\n  \"22\": 20.12.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	newKey := buildKey(t, cfg)
	if newKey == oldKey {
		t.Fatal("pin change did not roll the cache key")
	}

	if err := Build(context.Background(), cfg, WithRunner(&recordingRunner{})); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}

	if fileExists(filepath.Join(cfg.CacheDir, "rootfs", newKey, "usr", "lib", "old-openssl.so")) {
		t.Error("stale file from the old environment leaked into the new key's tree")
	}
	if !fileExists(stale) {
		t.Error("old key's tree was modified by the new build")
	}

	// the new env archive must be free of the stale file too
	restored := t.TempDir()
	layers, err := NewOutputCache(filepath.Join(cfg.CacheDir, "layers"), nil)
	if err != nil {
		t.Fatal(err)
	}
	family := CacheFamily{Name: FamilyEnv, Root: restored, Paths: []string{"."}}
	hit, err := layers.Restore(context.Background(), family, newKey)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !hit {
		t.Fatal("no env archive was persisted for the new key")
	}
	if fileExists(filepath.Join(restored, "usr", "lib", "old-openssl.so")) {
		t.Error("stale file was archived into the new key's env family")
	}
}

func TestBuildAbortsOnBootstrapFailure(t *testing.T) {
	t.Parallel()
	requireTar(t)

	srv, _ := artifactServer(t)
	cfg := testBuildConfig(t, srv.URL+"/dist/{stack}")
	writeTree(t, cfg.OutputDir, map[string]string{
		"package-lock.json": `{"lockfileVersion":3}`,
	})

	npm := filepath.Join(SandboxBuildMount, RuntimeDir, "bin", "npm")
	runner := &recordingRunner{
		ExitCodes: map[string]int{npm: 1},
		Output:    map[string]string{npm: "npm ERR! code EINTEGRITY"},
	}

	err := Build(context.Background(), cfg, WithRunner(runner))
	var failure BootstrapFailureErr
	if !errors.As(err, &failure) {
		t.Fatalf("Build() error = %v, want BootstrapFailureErr", err)
	}

	// no cache family may be refreshed after a failed bootstrap
	entries, err := os.ReadDir(filepath.Join(cfg.CacheDir, "layers"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cache archives were persisted after a failed bootstrap: %v", entries)
	}
}
