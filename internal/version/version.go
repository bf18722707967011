// Package version provides build information for the telecube tools
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables that can be set via ldflags, e.g.
//
//	go build -ldflags "-X telecube/internal/version.GitCommit=$(git rev-parse HEAD)"
var (
	// Version is the release of the tool suite
	Version = "0.3.0"

	// GitCommit is the git sha1 that was compiled
	GitCommit = "unknown"

	// BuildDate is the date the binary was built
	BuildDate = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Platform  string
}

// GetBuildInfo returns complete build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// GetFullVersion returns the version with the abbreviated commit, if known
func GetFullVersion() string {
	if GitCommit != "unknown" {
		return fmt.Sprintf("%s-%s", Version, shortCommit(GitCommit))
	}
	return Version
}

// GetVersionInfo returns the multi-line banner printed by --version
func GetVersionInfo(appName string) string {
	info := GetBuildInfo()

	result := fmt.Sprintf("%s version %s", appName, info.Version)
	if info.GitCommit != "unknown" {
		result += fmt.Sprintf(" (commit %s)", shortCommit(info.GitCommit))
	}
	if info.BuildDate != "unknown" {
		result += fmt.Sprintf("\nBuilt: %s", info.BuildDate)
	}
	result += fmt.Sprintf("\nGo: %s", info.GoVersion)
	result += fmt.Sprintf("\nPlatform: %s", info.Platform)
	return result
}
