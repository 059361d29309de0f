// Package version provides build version information for the application.
// This is a separate package so both cmd/gallery-server and cmd/galleryctl
// can import it without pulling in each other's dependencies.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v4.5.2"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"
