package store

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks no goroutine (background scheduler ticks, driver
// connections) outlives a test, the same leak gate the teacher runs over
// its local store's integration suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
