package nodepack

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

const (
	// DefaultRelease is used when neither an override nor a pin entry
	// names a concrete runtime release.
	DefaultRelease = "latest"

	// DefaultMirror is the artifact base URL used when the pin file does
	// not name one.
	DefaultMirror = "https://artifacts.stackpod.io/dist/{stack}"

	// fingerprintKey is the highwayhash key for config fingerprints.
	// Changing this key invalidates all cache entries everywhere.
	fingerprintKey = "5e38373433f3c3a2b2c1b1a2c2d2e2f2a0b0c0d0e0f00010203040506070809a"

	// fingerprintLen is the hex length the fingerprint is truncated to.
	fingerprintLen = 12
)

// DeriveCacheKey computes the composite key scoping every cache artifact to a
// (release, stack, configuration) triple. It is a pure function: any change
// to one of the inputs yields a different key and thereby invalidates every
// prior cache entry.
func DeriveCacheKey(release string, stack Stack, fingerprint string) string {
	return fmt.Sprintf("%s-%s-%s", release, stack, fingerprint)
}

// ConfigFingerprint hashes the version-pinning file. The result feeds into
// DeriveCacheKey so that touching a pin rolls every cache layer.
func ConfigFingerprint(pinfile string) (string, error) {
	key, err := hex.DecodeString(fingerprintKey)
	if err != nil {
		return "", err
	}

	hash, err := highwayhash.New(key)
	if err != nil {
		return "", err
	}

	file, err := os.Open(pinfile)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil))[:fingerprintLen], nil
}
