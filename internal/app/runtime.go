package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "FONTETAX_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether FONTETAX_TEST_MODE=1 is set. The binaries check
// it on startup and exit before opening Postgres, Redis or listening sockets,
// so integration harnesses can exec them without side effects. The value is
// read once and cached.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the environment, bypassing the cached value.
func RefreshTestMode() {
	detectTestMode()
}
