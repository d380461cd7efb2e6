// Package version carries build information for contextmcp binaries.
package version

import (
	"fmt"
	"runtime"
)

// Version is the release version, set via ldflags:
//
//	-X github.com/scopehq/contextmcp/pkg/version.Version=v1.2.3
var Version = "dev"

// Build metadata set via ldflags.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version that built the binary.
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Info returns the build info for this binary.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// String returns a single-line version description.
func String() string {
	return fmt.Sprintf("contextmcp %s (%s, %s, %s/%s)",
		Version, Commit, GoVersion, runtime.GOOS, runtime.GOARCH)
}
