// Package version exposes build metadata stamped into every binary.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Stamped with -ldflags "-X vpn-netns-proxy/internal/version.AppVersion=...".
var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
)

// Info describes one binary's build.
type Info struct {
	Program   string `json:"program"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// For returns build metadata for the named program. When the commit was not
// stamped, the VCS revision recorded by the Go toolchain is used instead.
func For(program string) Info {
	info := Info{
		Program:   strings.TrimSpace(program),
		Version:   strings.TrimSpace(AppVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
		GoVersion: runtime.Version(),
	}
	if info.Commit == "" || info.Commit == "unknown" {
		if revision := vcsRevision(); revision != "" {
			info.Commit = revision
		}
	}
	return info
}

func vcsRevision() string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)",
		orDefault(i.Program, "vpn-netns-proxy"),
		orDefault(i.Version, "dev"),
		orDefault(i.Commit, "unknown"),
		orDefault(i.BuildTime, "unknown"),
		orDefault(i.GoVersion, runtime.Version()),
	)
}

// JSON returns the metadata encoded as JSON.
func (i Info) JSON() ([]byte, error) {
	return json.Marshal(i)
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
