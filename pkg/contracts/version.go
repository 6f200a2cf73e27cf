package contracts

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release of the license server, the check tool and the
// client library
const Version = "1.0.0"

// APIVersion versions the JSON API and the log feed messages
const APIVersion = "v1"

// Stamped by build.go through -ldflags -X
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo describes the running binary
type VersionInfo struct {
	Version      string `json:"version"`
	APIVersion   string `json:"api_version"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

// GetVersionInfo returns the build stamp. Binaries built without build.go
// fall back to the VCS data the go tool embeds.
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:      Version,
		APIVersion:   APIVersion,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.GitCommit == "unknown":
				info.GitCommit = shortCommit(s.Value)
			case s.Key == "vcs.time" && info.BuildTime == "unknown":
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

func shortCommit(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// GetVersionString is the one-line product version
func GetVersionString() string {
	return "Licensing v" + Version
}

// GetFullVersionString adds the build stamp and platform
func GetFullVersionString() string {
	i := GetVersionInfo()
	return fmt.Sprintf("%s (api %s, built %s, commit %s, %s %s/%s)",
		GetVersionString(), i.APIVersion, i.BuildTime, i.GitCommit, i.GoVersion, i.OS, i.Architecture)
}
