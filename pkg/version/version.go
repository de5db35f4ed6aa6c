// Package version holds build identification, overridden at link time via
// -ldflags "-X github.com/claude-mem/claude-mem/pkg/version.Version=...".
package version

var (
	// Version is the release tag or "dev" for local builds.
	Version = "dev"
	// Commit is the short git hash of the build.
	Commit = "unknown"
)
