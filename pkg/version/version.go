// Package version carries build identity injected at link time.
package version

// Set via -ldflags "-X github.com/mycosoft/mascore/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
)
