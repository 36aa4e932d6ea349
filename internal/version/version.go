// Package version reports the build identity of a boxlite binary:
// version string and commit are injected via -ldflags at build time,
// and the rest comes from the embedded Go module build info.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// Version, GitCommit and BuildTime are set via -ldflags during build.
	Version   = "dev"
	GitCommit string
	BuildTime string
)

// Info is the version payload boxlited's /version endpoint returns.
type Info struct {
	Version   string           `json:"version"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the current binary's version information.
func Get() Info {
	info := Info{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.BuildInfo = bi
	}
	return info
}

// Equal reports whether two Infos describe the same build. BuildTime is
// excluded: a reproducible rebuild of the same commit should still
// compare equal. Module dependency sets are compared structurally
// rather than by pointer identity.
func (i Info) Equal(other Info) bool {
	if i.Version != other.Version || i.GitCommit != other.GitCommit {
		return false
	}
	if i.BuildInfo == nil || other.BuildInfo == nil {
		return i.BuildInfo == other.BuildInfo
	}
	return i.BuildInfo.Main.Path == other.BuildInfo.Main.Path &&
		i.BuildInfo.GoVersion == other.BuildInfo.GoVersion &&
		cmp.Equal(i.BuildInfo.Deps, other.BuildInfo.Deps)
}
