// Package testutil holds helpers shared by jobwatch tests.
package testutil

import (
	"os"
	"testing"
)

// RequireIntegration skips container-backed tests in short mode, and on CI unless
// JOBWATCH_INTEGRATION=1 is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("JOBWATCH_INTEGRATION") == "" && os.Getenv("CI") != "" {
		t.Skip("skipping integration test (set JOBWATCH_INTEGRATION=1 to run)")
	}
}
