// Package version carries build metadata stamped in with -ldflags.
package version

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)
