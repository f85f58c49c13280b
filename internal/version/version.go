// Package version reports build metadata injected with -ldflags:
//
//	go build -ldflags "-X evalgo.org/fleetrent/internal/version.Version=v1.2.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata served on /health and by `fleetrent version`.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Short is the version with the abbreviated commit, e.g. "v1.2.0+3f2a9c1".
func (i Info) Short() string {
	if i.GitCommit == "" || i.GitCommit == "unknown" {
		return i.Version
	}
	commit := i.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return i.Version + "+" + commit
}

func (i Info) String() string {
	return fmt.Sprintf("fleetrent %s (%s) built at %s on %s with %s",
		i.Version,
		i.GitCommit,
		i.BuildTime,
		i.Platform,
		i.GoVersion,
	)
}
