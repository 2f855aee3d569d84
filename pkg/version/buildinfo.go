package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and its dependencies, one per
// line, with replaced modules pointing at their replacement.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "mod\t%s\t%s\n", info.Main.Path, moduleVersion(&info.Main))
	for _, dep := range info.Deps {
		fmt.Fprintf(w, "dep\t%s\t%s", dep.Path, moduleVersion(dep))
		if dep.Replace != nil {
			fmt.Fprintf(w, "\t=> %s %s", dep.Replace.Path, moduleVersion(dep.Replace))
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	return buf.String()
}

func moduleVersion(m *debug.Module) string {
	if m.Version == "" {
		return "(devel)"
	}
	return m.Version
}
