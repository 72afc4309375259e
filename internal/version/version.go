// Package version provides build-time version information
// injected via ldflags during compilation.
package version

import "runtime"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// UserAgent is sent on every backend request.
func UserAgent() string {
	return "kiosk/" + Version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}
