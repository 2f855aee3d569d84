package main

import (
	"os"

	"github.com/kcide/kcdap/cmd/kcdap/cmds"
	"github.com/kcide/kcdap/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.KcdapVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
