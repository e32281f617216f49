// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	// Version is the release version, set at build time.
	Version = "dev"
	// Commit is the git commit SHA, set at build time.
	Commit = "unknown"
)
