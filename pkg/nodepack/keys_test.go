package nodepack

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveCacheKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name        string
		Release     string
		Stack       Stack
		Fingerprint string
		Expectation string
	}{
		{
			Name:        "composite key",
			Release:     "latest",
			Stack:       Stack22,
			Fingerprint: "abc123",
			Expectation: "latest-22-abc123",
		},
		{
			Name:        "pinned release",
			Release:     "18.19.1",
			Stack:       Stack20,
			Fingerprint: "deadbeef",
			Expectation: "18.19.1-20-deadbeef",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			act := DeriveCacheKey(test.Release, test.Stack, test.Fingerprint)
			if act != test.Expectation {
				t.Errorf("DeriveCacheKey() = %q, want %q", act, test.Expectation)
			}

			// pure function: repeating the call yields the same key
			if again := DeriveCacheKey(test.Release, test.Stack, test.Fingerprint); again != act {
				t.Errorf("DeriveCacheKey() is not deterministic: %q != %q", again, act)
			}
		})
	}
}

func TestDeriveCacheKeyInputSensitivity(t *testing.T) {
	t.Parallel()

	base := DeriveCacheKey("latest", Stack22, "abc123")
	variants := []string{
		DeriveCacheKey("16.20.2", Stack22, "abc123"),
		DeriveCacheKey("latest", Stack20, "abc123"),
		DeriveCacheKey("latest", Stack22, "fff000"),
	}
	for i, variant := range variants {
		if variant == base {
			t.Errorf("variant %d did not change the cache key %q", i, base)
		}
	}
}

func TestConfigFingerprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pin := filepath.Join(dir, "versions.yaml")
	if err := os.WriteFile(pin, []byte("releases:\n  \"22\": \"20.11.1\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := ConfigFingerprint(pin)
	if err != nil {
		t.Fatalf("ConfigFingerprint() error = %v", err)
	}
	if len(first) != fingerprintLen {
		t.Errorf("fingerprint %q has length %d, want %d", first, len(first), fingerprintLen)
	}

	second, err := ConfigFingerprint(pin)
	if err != nil {
		t.Fatalf("ConfigFingerprint() error = %v", err)
	}
	if first != second {
		t.Errorf("fingerprint is not deterministic: %q != %q", first, second)
	}

	// changing a pin must roll the fingerprint
	if err := os.WriteFile(pin, []byte("releases:\n  \"22\": \"20.12.0\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, err := ConfigFingerprint(pin)
	if err != nil {
		t.Fatalf("ConfigFingerprint() error = %v", err)
	}
	if changed == first {
		t.Errorf("fingerprint did not change with the pin file content")
	}
}
