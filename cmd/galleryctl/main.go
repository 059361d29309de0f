// Command galleryctl is the operator CLI for a running gallery-server:
// start and watch storage migrations, inspect and retry AI task queues, and
// check backend storage usage.
package main

import (
	"os"

	"github.com/pixelforge/gallery-core/internal/galleryctl"
	"github.com/pixelforge/gallery-core/internal/version"
)

func main() {
	galleryctl.Version = version.Version
	galleryctl.BuildTime = version.BuildTime

	if err := galleryctl.Execute(); err != nil {
		os.Exit(1)
	}
}
