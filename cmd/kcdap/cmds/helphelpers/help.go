package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	serverFlags = []string{"listen", "target"}
	logFlags    = []string{"log", "log-output", "log-dest"}
)

// hidden lists, per subcommand, the persistent flags of the root command
// that the subcommand ignores.
var hidden = map[string][][]string{
	"version": {serverFlags, logFlags, {"config"}},
	"map":     {serverFlags, logFlags},
}

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The server flags are persistent flags of the root command so that
//
//	kcdap --listen 127.0.0.1:4711 dap
//
// parses, but they mean nothing to the commands that do not start a
// server. All flags apply to 'dap'.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "kcdap", "help", "log":
		hideAllFlags(cmd)
		return
	}
	for _, names := range hidden[cmd.Name()] {
		for _, name := range names {
			hideFlag(cmd, name)
		}
	}
}

func hideAllFlags(cmd *cobra.Command) {
	hide := func(flag *pflag.Flag) { flag.Hidden = true }
	cmd.PersistentFlags().VisitAll(hide)
	cmd.Flags().VisitAll(hide)
}

// hideFlag hides the named flag of cmd or of the closest ancestor that
// defines it.
func hideFlag(cmd *cobra.Command, name string) {
	for ; cmd != nil; cmd = cmd.Parent() {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			// Persistent flags are merged into Flags only when cmd runs.
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag != nil {
			flag.Hidden = true
			return
		}
	}
}
