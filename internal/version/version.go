// Package version holds build information set with -ldflags, e.g.
//
//	go build -ldflags "-X pnp-feeder/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	Version   = "0.1.0"
	BuildTime = "unknown" // UTC
	GitCommit = "unknown"
)

// String formats the build information for -version output and logs.
func String() string {
	return fmt.Sprintf("pnp-feeder %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
