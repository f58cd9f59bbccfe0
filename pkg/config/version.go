// Package config holds build metadata shared by the cowork binaries.
package config

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// BuildInfo contains all build information.
type BuildInfo struct {
	Binary    string `json:"binary"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Info returns the build information for binary.
func Info(binary string) BuildInfo {
	return BuildInfo{
		Binary:    binary,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (%s) built at %s with %s for %s",
		b.Binary, b.Version, b.Commit, b.BuildTime, b.GoVersion, b.Platform)
}

// UserAgent identifies binary in outgoing HTTP and WebSocket requests.
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s/%s)", binary, Version, runtime.GOOS, runtime.GOARCH)
}
