// Package version exposes build metadata for the operator binary.
package version

// Set at build time via -ldflags "-X .../version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)
