package test

import (
	"os"
	"testing"
)

// Integration skips t unless APPDRIVER_INTEGRATION is set. Integration tests need real
// processes, built binaries, or a Docker daemon.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("APPDRIVER_INTEGRATION") == "" {
		t.Skip("set APPDRIVER_INTEGRATION to run integration tests")
	}
}
