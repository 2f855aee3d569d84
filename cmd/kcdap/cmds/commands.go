package cmds

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kcide/kcdap/cmd/kcdap/cmds/helphelpers"
	"github.com/kcide/kcdap/pkg/addrmap"
	"github.com/kcide/kcdap/pkg/config"
	"github.com/kcide/kcdap/pkg/logflags"
	"github.com/kcide/kcdap/pkg/target"
	"github.com/kcide/kcdap/pkg/version"
	"github.com/kcide/kcdap/service"
	"github.com/kcide/kcdap/service/dap"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// targetAddr is the address the emulator connects to, it overrides
	// target-listen of the config file.
	targetAddr string
	// configPath is an alternative config file.
	configPath string
	// mapPrefix is stripped from the paths of the address map by 'kcdap map'.
	mapPrefix string
	// verbose makes 'kcdap version' print the build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kcdapCommandLongDesc = `kcdap is a debug adapter for the KC85 and C64 emulators.

It speaks the Debug Adapter Protocol (DAP) with the editor and relays
breakpoints, execution control and inspection to an emulator running
in the editor's webview. The emulator connects to kcdap over a websocket.

The assembler writes an address map next to the program image, kcdap uses
it to translate between source lines and CPU addresses.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main kcdap root command.
	rootCommand = &cobra.Command{
		Use:   "kcdap",
		Short: "kcdap is a debug adapter for KC85 and C64 emulators.",
		Long:  kcdapCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "DAP server listen address.")
	rootCommand.PersistentFlags().StringVar(&targetAddr, "target", "", "Emulator listen address (default: target-listen of the config file).")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Read the configuration from this file instead of ~/.kcdap/config.yml.")

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug adapter logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kcdap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kcdap help log').")

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server accepts a single client for a single debug session and exits
when the client disconnects. The emulator is served on the --target
address, it can connect before or after the client.

The program is loaded into the emulator by a launch or attach request,
both behave the same since the emulator is always running.`,
		Args: cobra.NoArgs,
		Run:  dapCmd,
	}
	rootCommand.AddCommand(dapCommand)

	// 'map' subcommand.
	mapCommand := &cobra.Command{
		Use:   "map <file.map> [address | file:line]...",
		Short: "Inspects an address map.",
		Long: `Inspects an address map written by the assembler.

Without further arguments the source files of the map are listed.
Each address argument prints the source line it belongs to, each
file:line argument prints the address of the line. Addresses are
decimal, or hexadecimal with a 0x or $ prefix.`,
		Args: cobra.MinimumNArgs(1),
		RunE: mapCmd,
	}
	mapCommand.Flags().StringVar(&mapPrefix, "prefix", "", "Prefix stripped from the map paths (default: map-path-prefix of the config file).")
	rootCommand.AddCommand(mapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kcdap debug adapter\n%s\n", version.KcdapVersion)
			if verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the Go version and the module dependencies.")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

` + logflags.Components() + `
Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	return rootCommand
}

func loadConfig() error {
	if configPath == "" {
		conf = config.LoadConfig()
		return nil
	}
	c, err := config.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("could not load config file: %v", err)
	}
	conf = c
	return nil
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if err := runDAP(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

// runDAP serves the emulator and a single DAP client until the client
// disconnects or the process is interrupted.
func runDAP() error {
	tgt, err := target.New(target.Config{
		DisassemblyCacheSize: conf.GetDisassemblyCacheSize(),
		VersionConstraint:    conf.GetTargetVersionConstraint(),
	})
	if err != nil {
		return err
	}

	if targetAddr == "" {
		targetAddr = conf.GetTargetListen()
	}
	targetListener, err := net.Listen("tcp", targetAddr)
	if err != nil {
		return fmt.Errorf("couldn't start emulator listener: %s", err)
	}
	targetServer := target.NewServer(tgt, targetListener)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		targetListener.Close()
		return fmt.Errorf("couldn't start listener: %s", err)
	}
	disconnectChan := make(chan struct{})
	server := dap.NewServer(&service.Config{
		Listener:            listener,
		Target:              tgt,
		ReadyTimeout:        conf.GetReadyTimeout(),
		ReadyInterval:       conf.GetReadyInterval(),
		QueryTimeout:        conf.GetQueryTimeout(),
		MapPathPrefix:       conf.GetMapPathPrefix(),
		AutoOpenDisassembly: conf.GetAutoOpenDisassembly(),
		Aliases:             conf.Aliases,
		DisconnectChan:      disconnectChan,
	})
	// The editor reads the DAP address from standard output.
	fmt.Printf("DAP server listening at: %s\n", listener.Addr())
	fmt.Printf("Emulator endpoint: ws://%s%s\n", targetServer.Addr(), target.EmulatorPath)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(targetServer.Run)
	g.Go(func() error {
		server.Run()
		waitForDisconnectSignal(ctx, disconnectChan)
		server.Stop()
		return targetServer.Stop()
	})
	return g.Wait()
}

func mapCmd(cmd *cobra.Command, args []string) error {
	prefix := conf.GetMapPathPrefix()
	if cmd.Flags().Changed("prefix") {
		prefix = mapPrefix
	}
	amap, err := addrmap.Load(args[0], prefix)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		files := amap.Files()
		fmt.Fprintf(out, "%d addresses in %d files\n", amap.Len(), len(files))
		for _, file := range files {
			fmt.Fprintln(out, file)
		}
		return nil
	}
	for _, arg := range args[1:] {
		s, err := lookup(amap, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", arg, s)
	}
	return nil
}

// lookup resolves a file:line or an address argument of 'kcdap map'.
func lookup(amap *addrmap.Map, arg string) (string, error) {
	if i := strings.LastIndex(arg, ":"); i > 0 {
		line, err := strconv.Atoi(arg[i+1:])
		if err != nil {
			return "", fmt.Errorf("invalid line number in %q", arg)
		}
		a, ok := amap.Address(arg[:i], line)
		if !ok {
			return "", fmt.Errorf("no code at %s", arg)
		}
		return fmt.Sprintf("0x%04X", a), nil
	}
	a, err := addrmap.ParseAddress(arg)
	if err != nil {
		return "", err
	}
	loc, ok := amap.Location(a)
	if !ok {
		return "", fmt.Errorf("0x%04X is not mapped to a source line", a)
	}
	return loc.String(), nil
}
