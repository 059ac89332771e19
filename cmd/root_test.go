package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildErrorIsNotEchoedByCobra(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"build", "--stack", "19"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("Execute() = nil for an unsupported stack")
	}

	// Execute() in root.go owns the message; cobra printing it as well
	// would surface the same error twice
	if out := buf.String(); strings.Contains(out, "unsupported stack") || strings.Contains(out, "Error:") {
		t.Errorf("cobra echoed the error:\n%s", out)
	}
}
