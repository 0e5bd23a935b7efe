package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/lockbox/pkg/config"
	"github.com/charlie0129/lockbox/pkg/utils/systemd"
)

var gInstallation = "Installation:"

func init() {
	commandGroups = append(commandGroups, gInstallation)
}

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install lockbox as a systemd service",
		GroupID: gInstallation,
		Long: `Install lockbox daemon as a systemd service (system-wide).

This makes lockbox run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the lockbox daemon. Use --allow-non-root-access to let other users lock and unlock without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the lockbox daemon.")
			} else {
				logrus.Info("only root user is allowed to access the lockbox daemon.")
			}

			// the unit starts the daemon with this config, so it has to exist first
			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = systemd.Install(configPath, unixSocketPath)
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()
			cmd.Printf("systemd will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `lockbox install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access lockbox daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall the lockbox systemd service",
		GroupID: gInstallation,
		Long: `Stop lockbox and remove its systemd service. The daemon opens the loop on exit.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := systemd.Uninstall()
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			logrus.Info("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `lockbox' again.\n", configPath)

			return nil
		},
	}
}
