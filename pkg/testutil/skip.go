// Package testutil holds helpers shared by the container-backed tests.
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// IntegrationEnv disables container-backed tests when set to "0", "false"
// or "off".
const IntegrationEnv = "PLACES_INTEGRATION"

// RequireIntegration skips t in short mode or when IntegrationEnv turns
// integration tests off.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(IntegrationEnv))) {
	case "0", "false", "off":
		t.Skipf("skipping integration test (%s is off)", IntegrationEnv)
	}
}

// Terminate stops c when t finishes.
func Terminate(t *testing.T, c testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
}
