//go:build !failpoint

// Package failpoint provides fault injection for testing.
// This is the default (no-op) implementation used in production builds.
// Build with -tags=failpoint to enable the injectable version.
//
// Hit points in this repository include "pagefile.writePage",
// "tree.insert", "tree.remove" and "freelist.release".
package failpoint

import "errors"

// ErrInjected is returned when a failpoint is hit and configured to fail.
var ErrInjected = errors.New("failpoint: injected error")

// Hit checks if a failpoint is enabled and returns an error if so.
// In the default build, this always returns nil (no-op).
func Hit(name string) error {
	return nil
}

// Enable configures a failpoint to be active.
// In the default build, this is a no-op.
func Enable(name string, cfg interface{}) {
	// no-op in production
}

// Disable turns off a failpoint.
// In the default build, this is a no-op.
func Disable(name string) {
	// no-op in production
}

// DisableAll turns off all failpoints.
// In the default build, this is a no-op.
func DisableAll() {
	// no-op in production
}

// IsEnabled returns whether a failpoint is active.
// In the default build, this always returns false.
func IsEnabled(name string) bool {
	return false
}

// Failpoint configuration types
const (
	// ConfigAlwaysFail makes the failpoint always return an error
	ConfigAlwaysFail = "always"
	// ConfigFailOnce makes the failpoint fail once then disable
	ConfigFailOnce = "once"
	// ConfigFailN makes the failpoint fail N times then disable
	ConfigFailN = "n"
	// ConfigFailAfterN makes the failpoint pass N times then fail
	ConfigFailAfterN = "after_n"
)

// Config holds failpoint configuration.
type Config struct {
	Type string // ConfigAlwaysFail, ConfigFailOnce, ConfigFailN, ConfigFailAfterN
	N    int    // For ConfigFailN and ConfigFailAfterN
}

// AlwaysError is a convenience config that always fails.
var AlwaysError = Config{Type: ConfigAlwaysFail}

// FailOnce is a convenience config that fails once.
var FailOnce = Config{Type: ConfigFailOnce}

// FailTimes returns a config that fails N times.
func FailTimes(n int) Config {
	return Config{Type: ConfigFailN, N: n}
}

// FailAfter returns a config that passes N times then fails.
func FailAfter(n int) Config {
	return Config{Type: ConfigFailAfterN, N: n}
}
