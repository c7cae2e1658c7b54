package testutil

import (
	"os/exec"
	"testing"
)

// RequireBinary returns the absolute path of an engine binary, skipping the
// test when it is not installed.
func RequireBinary(tb testing.TB, name string) string {
	tb.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		tb.Skipf("%s not installed: %v", name, err)
	}
	return path
}
