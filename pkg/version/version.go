package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a kcdap release and the revision it was built from.
type Version struct {
	Release *semver.Version
	// Build is the git revision. The "$Id$" placeholder is replaced by the
	// VCS revision stamped by the Go toolchain, when there is one.
	Build string
}

// KcdapVersion is the current version of kcdap.
var KcdapVersion = Version{
	Release: semver.MustParse("0.3.0"),
	Build:   "$Id$",
}

// Short returns the release without build information.
func (v Version) Short() string {
	return v.Release.String()
}

func (v Version) String() string {
	return fmt.Sprintf("Version: %s\nBuild: %s", v.Short(), v.revision())
}

func (v Version) revision() string {
	if !strings.HasPrefix(v.Build, "$Id") {
		return v.Build
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
	}
	return v.Build
}

var buildInfo = func() string {
	return ""
}

// BuildInfo returns the Go version and the module dependencies kcdap was
// built with.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), buildInfo())
}
