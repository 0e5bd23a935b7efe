package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/lockbox/pkg/client"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/lockbox.sock"
	configPath     = "/etc/lockbox.json"
	outputJSON     = false
)

var apiClient *client.Client

var (
	gBasic        = "Basic:"
	gInputs       = "Inputs:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBasic,
		gInputs,
		gAdvanced,
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
		fmt.Fprintln(os.Stderr, "\nError: lockbox daemon is not running")
		fmt.Fprintf(os.Stderr, "Start it with 'lockbox daemon' or check --daemon-socket (%s)\n", unixSocketPath)
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or run the daemon with '--always-allow-non-root-access' to grant permissions to your user")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockbox",
		Short: "lockbox locks a laser or cavity to an error signal on an FPGA board",
		Long: `lockbox locks a laser or cavity to an error signal on an FPGA board.

It demodulates error signals, calibrates them from actuator sweeps, moves the
actuator to the first zero crossing and keeps the loop locked.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}
			apiClient = client.NewClient(unixSocketPath)

			// the daemon itself and the version command do not need a running daemon
			if cmd.Name() == "daemon" || cmd.Name() == "version" {
				return nil
			}

			if clientVersion, daemonVersion, err := getVersion(); err == nil {
				if daemonVersion != clientVersion {
					logrus.WithFields(logrus.Fields{
						"clientVersion": clientVersion,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. lockbox may not work as expected.")
				}
			} else if errors.Is(err, client.ErrNotFound) {
				logrus.Error("lockbox daemon is too old to report its version.")
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "lockbox daemon unix socket path")
	globalFlags.BoolVar(&outputJSON, "json", false, "print daemon responses as JSON")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewLockCommand(),
		NewUnlockCommand(),
		NewOffsetCommand(),
		NewAutoRelockCommand(),
		NewSetupCommand(),
		NewClearCommand(),
		NewCalibrateCommand(),
		NewSweepCommand(),
		NewExpectedCommand(),
		NewAnalogOffsetCommand(),
		NewScheduleCommand(),
		NewEventsCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
