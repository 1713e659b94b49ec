package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/ddmbridge/pkg/adbserver"
	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/config"
	"github.com/go-delve/ddmbridge/pkg/logflags"
	"github.com/go-delve/ddmbridge/pkg/version"
	"github.com/go-delve/ddmbridge/service"
	"github.com/go-delve/ddmbridge/service/bridge"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// adbPort overrides the daemon port of the config file.
	adbPort int
	// clientSupport enables tracking of debuggable processes in monitor.
	clientSupport bool
	// selectedPort is the port relaying to the selected client.
	selectedPort int
	// debugPortBase is the first debugger proxy port.
	debugPortBase int
	// removeForward removes a forward instead of creating it.
	removeForward bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const ddmbridgeCommandLongDesc = `ddmbridge talks to the adb daemon to list devices and the debuggable
processes running on them.

For every debuggable process the monitor command opens a debugger port on the
loopback interface: attach a JDWP debugger to it to debug the process while
ddmbridge keeps collecting its heap and profiling information.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:           "ddmbridge",
		Short:         "ddmbridge is a host side debug bridge for adb devices.",
		Long:          ddmbridgeCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ddmbridge help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ddmbridge help log').")
	addAdbFlags(rootCommand.PersistentFlags())

	rootCommand.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "Lists the devices known to adb.",
		Args:  cobra.NoArgs,
		RunE:  devicesCmd,
	})

	monitorCommand := &cobra.Command{
		Use:   "monitor",
		Short: "Tracks devices and debuggable processes until interrupted.",
		Long: `Tracks devices and debuggable processes until interrupted.

Device and process changes are printed as they happen. Each debuggable process
gets a debugger port, starting at --debug-port-base; the process selected with
--select is also reachable through --selected-port.`,
		Args: cobra.NoArgs,
		RunE: monitorCmd,
	}
	monitorCommand.Flags().BoolVar(&clientSupport, "clients", conf.ClientSupport, "Track debuggable processes.")
	monitorCommand.Flags().IntVar(&selectedPort, "selected-port", conf.SelectedDebugPort, "Port relaying to the selected process, 0 disables it.")
	monitorCommand.Flags().IntVar(&debugPortBase, "debug-port-base", conf.DebugPortBase, "First debugger port.")
	monitorCommand.Flags().String("select", "", "Select the process with this name once it appears.")
	rootCommand.AddCommand(monitorCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "shell serial command...",
		Short: "Runs a shell command on a device.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  shellCmd,
	})

	forwardCommand := &cobra.Command{
		Use:   "forward serial local [remote]",
		Short: "Forwards a host socket to a device socket.",
		Long: `Forwards a host socket to a device socket.

Sockets are in adb form, for example tcp:8600 or jdwp:1234. With --remove only
the local socket is needed.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: forwardCmd,
	}
	forwardCommand.Flags().BoolVar(&removeForward, "remove", false, "Remove the forward of the local socket.")
	rootCommand.AddCommand(forwardCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "connect host[:port]",
		Short: "Connects adb to a device over the network.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.OutOrStdout())(newAdbClient().Connect(cmd.Context(), args[0]))
		},
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "disconnect host[:port]",
		Short: "Disconnects adb from a network device.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.OutOrStdout())(newAdbClient().Disconnect(cmd.Context(), args[0]))
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "start-server",
		Short: "Starts the adb daemon if it is not running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newAdbServer()
			if s.Running(cmd.Context()) {
				return nil
			}
			return s.Start(cmd.Context())
		},
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "kill-server",
		Short: "Stops the adb daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdbServer().Stop(cmd.Context())
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ddmbridge\n%s\n", version.BridgeVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	adb		Log adb wire traffic
	devices		Log device and process tracking
	jdwp		Log JDWP sessions with processes
	ddm		Log DDM chunks
	debugger	Log debugger proxies
	bridge		Log bridge lifecycle and listeners

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logflags.Setup(log, logOutput, logDest)
	}
	rootCommand.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		logflags.Close()
	}
	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addAdbFlags adds the flags selecting the daemon.
func addAdbFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&adbPort, "adb-port", "P", 0, "Port of the adb daemon (default from config, "+config.AdbPortEnv+" or 5037).")
}

func effectiveConfig() *config.Config {
	c := *conf
	c.Fill()
	if adbPort > 0 {
		c.AdbPort = adbPort
	}
	return &c
}

func newAdbClient() *adbwire.Client {
	c := effectiveConfig()
	return adbwire.NewClient(c.AdbPort, c.Timeout)
}

func newAdbServer() *adbserver.Server {
	c := effectiveConfig()
	return adbserver.New(c.AdbPath, c.AdbPort, c.Timeout)
}

func printResult(w io.Writer) func(string, error) error {
	return func(msg string, err error) error {
		if err != nil {
			return err
		}
		fmt.Fprintln(w, msg)
		return nil
	}
}

func devicesCmd(cmd *cobra.Command, args []string) error {
	devices, err := newAdbClient().Devices(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "List of devices attached")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.Serial, d.State)
	}
	return nil
}

func shellCmd(cmd *cobra.Command, args []string) error {
	out, err := newAdbClient().Shell(cmd.Context(), args[0], strings.Join(args[1:], " "))
	cmd.OutOrStdout().Write(out)
	return err
}

func forwardCmd(cmd *cobra.Command, args []string) error {
	adb := newAdbClient()
	if removeForward {
		return adb.RemoveForward(cmd.Context(), args[0], args[1])
	}
	if len(args) != 3 {
		return errors.New("you must provide the serial, the local and the remote sockets")
	}
	return adb.CreateForward(cmd.Context(), args[0], args[1], args[2])
}

func monitorCmd(cmd *cobra.Command, args []string) error {
	c := effectiveConfig()
	bcfg := service.NewConfig(c)
	bcfg.ClientSupport = clientSupport
	bcfg.SelectedDebugPort = selectedPort
	bcfg.DebugPortBase = debugPortBase
	disconnectChan := make(chan struct{})
	bcfg.DisconnectChan = disconnectChan

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	b := bridge.New(bcfg)
	p := newPrinter(cmd.OutOrStdout(), b)
	p.selectName, _ = cmd.Flags().GetString("select")
	b.AddDeviceListener(p)
	b.AddClientListener(p)
	b.AddBridgeListener(p)

	var server service.Server = b
	if err := server.Start(ctx); err != nil {
		server.Stop()
		return err
	}
	if addr := b.SelectedDebugAddr(); addr != "" {
		logflags.WriteListeningMessage(os.Getpid(), addr)
	}
	waitForDisconnectSignal(disconnectChan)
	return server.Stop()
}

// waitForDisconnectSignal is a blocking function that waits for either
// a stop signal from the OS or for disconnectChan to be closed.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, stopSignals...)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
