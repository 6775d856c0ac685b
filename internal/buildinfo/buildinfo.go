// Package buildinfo carries the version stamped into release binaries.
package buildinfo

import "strings"

// Version is set via ldflags at build time:
//
//	go build -ldflags "-X github.com/doyke/eztool/internal/buildinfo.Version=x.y.z"
var Version = ""

// GetVersion returns the stamped version with any leading "v" trimmed, or a
// dev placeholder when the binary was built without ldflags.
func GetVersion() string {
	if Version == "" {
		return "0.0.1-dev"
	}
	return strings.TrimPrefix(Version, "v")
}
