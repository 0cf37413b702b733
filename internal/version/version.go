// Package version holds build identification, overridable at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.0 -X .../internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release tag, or a dev placeholder for local builds.
	Version = "v0.1.0"
	// Commit identifies the source revision the binary was built from.
	Commit = "unknown"
	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// String returns the one-line build identity used in startup logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuiltAt)
}
