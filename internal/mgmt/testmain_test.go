package mgmt

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutines leak from the management server's
// per-connection handlers.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
