// Package version holds build-time version metadata.
package version

// Set with -ldflags "-X github.com/kahiteam/exofork/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = ""
)
