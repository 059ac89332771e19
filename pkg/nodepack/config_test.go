package nodepack

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name  string
		Stack Stack
		OK    bool
	}{
		{Name: "stack 18", Stack: Stack18, OK: true},
		{Name: "stack 20", Stack: Stack20, OK: true},
		{Name: "stack 22", Stack: Stack22, OK: true},
		{Name: "unknown stack", Stack: Stack("24"), OK: false},
		{Name: "empty stack", Stack: Stack(""), OK: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			err := Config{Stack: test.Stack}.Validate()
			if test.OK && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !test.OK {
				var unsupported UnsupportedStackErr
				if !errors.As(err, &unsupported) {
					t.Errorf("Validate() = %v, want UnsupportedStackErr", err)
				}
			}
		})
	}
}

func TestResolveRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pin := filepath.Join(dir, "versions.yaml")
	if err := os.WriteFile(pin, []byte("releases:\n  \"22\": \"20.11.1\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		Name        string
		Config      Config
		Expectation string
	}{
		{
			Name:        "explicit override wins",
			Config:      Config{Stack: Stack22, Release: "21.0.0", PinFile: pin},
			Expectation: "21.0.0",
		},
		{
			Name:        "pin file default",
			Config:      Config{Stack: Stack22, PinFile: pin},
			Expectation: "20.11.1",
		},
		{
			Name:        "stack without pin entry",
			Config:      Config{Stack: Stack18, PinFile: pin},
			Expectation: DefaultRelease,
		},
		{
			Name:        "missing pin file",
			Config:      Config{Stack: Stack22, PinFile: filepath.Join(dir, "nope.yaml")},
			Expectation: DefaultRelease,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			if act := test.Config.ResolveRelease(); act != test.Expectation {
				t.Errorf("ResolveRelease() = %q, want %q", act, test.Expectation)
			}
		})
	}
}

func TestStagingRequired(t *testing.T) {
	t.Parallel()

	if (Config{BuildDir: "/tmp/build", OutputDir: "/tmp/build"}).StagingRequired() {
		t.Error("StagingRequired() = true for identical paths")
	}
	if (Config{BuildDir: "/tmp/build", OutputDir: "/tmp/build/."}).StagingRequired() {
		t.Error("StagingRequired() = true for equivalent paths")
	}
	if !(Config{BuildDir: "/tmp/build", OutputDir: "/app"}).StagingRequired() {
		t.Error("StagingRequired() = false for diverging paths")
	}
}
