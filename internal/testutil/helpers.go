// Package testutil holds helpers shared by tests that touch the real host.
package testutil

import (
	"os"
	"testing"
)

// HostTestEnv enables tests that change kernel state (nftables tables,
// conntrack dumps). Set it only inside a disposable VM or network namespace.
const HostTestEnv = "HOSTGUARD_HOST_TEST"

// RequireHost skips the test unless HostTestEnv is set and the test runs as
// root.
func RequireHost(t *testing.T) {
	t.Helper()
	if os.Getenv(HostTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", HostTestEnv)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
