package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newEnableDisableCommand(
	use, short, long string,
	enableFunc func() (string, error),
	disableFunc func() (string, error),
) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		GroupID: gAdvanced,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Enable " + use,
			RunE: func(_ *cobra.Command, _ []string) error {
				if _, err := enableFunc(); err != nil {
					return fmt.Errorf("failed to enable %s: %v", use, err)
				}
				logrus.Infof("successfully enabled %s", use)
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable " + use,
			RunE: func(_ *cobra.Command, _ []string) error {
				if _, err := disableFunc(); err != nil {
					return fmt.Errorf("failed to disable %s: %v", use, err)
				}
				logrus.Infof("successfully disabled %s", use)
				return nil
			},
		},
	)

	return cmd
}

func NewAutoRelockCommand() *cobra.Command {
	return newEnableDisableCommand(
		"auto-relock",
		"Set whether the daemon relocks after the lock is lost",
		`Set whether the daemon relocks after the lock is lost.

While a lock is requested, the daemon compares the lock input with its setpoint
every monitor interval. With auto relock enabled it runs the lock sequence again
once the error exceeds the relock threshold, at most relockRate times a minute.
With auto relock disabled it only opens the loop.`,
		func() (string, error) { return apiClient.SetAutoRelock(true) },
		func() (string, error) { return apiClient.SetAutoRelock(false) },
	)
}
