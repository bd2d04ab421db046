package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/j-be/autobim/pkg/client"
	"github.com/j-be/autobim/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/autobim.sock"
	configPath     = "/etc/autobim.yaml"
)

var apiClient *client.Client

var (
	gBasic        = "Basic:"
	gDiagnostics  = "Diagnostics:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gDiagnostics,
		gAdvanced,
		gInstallation,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: autobim daemon is not running")
		fmt.Fprintf(os.Stderr, "Start it with 'autobim daemon' or check --daemon-socket (%s)\n", unixSocketPath)
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or restart the daemon with the '--always-allow-non-root-access' flag to grant permissions to your user")
	}
}

func getVersion() (clientVersion, daemonVersion string, err error) {
	daemonVersion, err = apiClient.GetVersion()
	return version.Version, daemonVersion, err
}

func main() {
	// The daemon spends its time waiting on a serial port.
	if os.Getenv("GOMAXPROCS") == "" {
		runtime.GOMAXPROCS(2)
	}

	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autobim",
		Short: "autobim walks you through leveling a 3D printer bed with its Z probe",
		Long: `autobim probes the corners of a 3D printer bed, tells you which way and how
far to turn each leveling screw, and repeats until the bed is level.

Run 'autobim daemon' next to the printer, then drive it with the other commands.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)
			if cmd.Name() == "daemon" {
				return nil
			}

			if clientVersion, daemonVersion, err := getVersion(); err == nil {
				if daemonVersion != clientVersion {
					logrus.WithFields(logrus.Fields{
						"clientVersion": clientVersion,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. autobim may not work as expected.")
				}
			} else if errors.Is(err, client.ErrNotFound) {
				logrus.Error("autobim daemon is too old to report its version.")
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path (.yaml, .yml or .json)")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "autobim daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStartCommand(),
		NewAbortCommand(),
		NewContinueCommand(),
		NewHomeCommand(),
		NewStatusCommand(),
		NewSessionCommand(),
		NewWatchCommand(),
		NewTestCornerCommand(),
		NewTestAllCornersCommand(),
		NewPointsCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
