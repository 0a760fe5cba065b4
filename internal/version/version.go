// Package version holds build identification, stamped in via -ldflags
// at release time. Both binaries log these values at startup so a run
// database or log file can be tied back to the build that produced it.
package version

var (
	// Version is the release version, or "dev" for local builds
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
