package common

import (
	"fmt"
	"runtime/debug"
)

// Version information, set with -ldflags "-X" at build time
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is the build identity reported by the API and the banner
type VersionInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetVersionInfo returns the linked build identity. Without an -ldflags
// commit the VCS revision recorded by the go tool is used.
func GetVersionInfo() VersionInfo {
	info := VersionInfo{Version: Version, Build: Build, GitCommit: GitCommit}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.GitCommit == "unknown" {
			for _, setting := range bi.Settings {
				if setting.Key == "vcs.revision" && setting.Value != "" {
					info.GitCommit = setting.Value
				}
			}
		}
	}
	return info
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s (build: %s, commit: %s)", info.Version, info.Build, info.GitCommit)
}
