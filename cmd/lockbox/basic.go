package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/lockbox/pkg/daemon"
	"github.com/charlie0129/lockbox/pkg/lockbox"
	"github.com/charlie0129/lockbox/pkg/version"
)

var (
	// alwaysAllowNonRootAccess indicates whether to always allow non-root users to access the lockbox daemon.
	alwaysAllowNonRootAccess = false
)

// getVersion returns the client and daemon versions.
func getVersion() (string, string, error) {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		return version.Version, "", err
	}
	return version.Version, daemonVersion, nil
}

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run lockbox daemon in the foreground",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("lockbox daemon starting")
			return daemon.Run(configPath, unixSocketPath, alwaysAllowNonRootAccess)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&alwaysAllowNonRootAccess, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the lockbox",
		Long:    `Get lock state, inputs with their calibration, outputs and unit leases.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := apiClient.GetStatus()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, s)
			}

			cmd.Println(bold("Lock:"))
			cmd.Printf("  Locked: %s", bool2Text(s.Locked))
			if !s.Locked && s.LockReason != "" {
				cmd.Printf(" (%s)", s.LockReason)
			}
			cmd.Println()
			cmd.Printf("  Lock requested: %s\n", bool2Text(s.WantLock))
			cmd.Printf("  Auto relock: %s\n", bool2Text(s.AutoRelock))
			if m := s.LastMonitor; m != nil {
				cmd.Printf("  Last monitor: %s mean %s, expected %s, error %s\n",
					m.Input, bold("%.4f", m.Stats.Mean), bold("%.4f", m.Expected), errorText(m.Error))
			}
			cmd.Printf("  Wavelength: %s\n", bold("%g nm", s.Wavelength*1e9))
			cmd.Println()

			cmd.Println(bold("Inputs:"))
			for _, in := range s.Inputs {
				cmd.Printf("  %s (%s): %s", bold("%s", in.Name), in.Kind, stateText(in.State))
				if in.Unit != "" {
					cmd.Printf(" on %s", in.Unit)
				}
				cmd.Println()
				if in.State == lockbox.StateConfigured || in.State == lockbox.StateCalibrating {
					cmd.Printf("    Frequency: %g Hz  Phase: %g°  Gain: %g  Input: %s\n",
						in.Config.Frequency, in.Config.Phase, in.Config.Gain, in.Config.Input)
				}
				if cal := in.Calibration; cal.Calibrated() {
					cmd.Printf("    Calibration v%d (%s): min %.4f max %.4f mean %.4f rms %.4f\n",
						cal.Version, cal.CalibratedAt.Local().Format(time.DateTime), cal.Min, cal.Max, cal.Mean, cal.RMS)
				}
			}
			cmd.Println()

			cmd.Println(bold("Outputs:"))
			for _, out := range s.Outputs {
				cmd.Printf("  %s on %s: offset %s [%g, %g]\n",
					bold("%s", out.Name), out.Config.PID, bold("%.4f", out.Offset), out.Config.Min, out.Config.Max)
			}
			cmd.Println()

			cmd.Println(bold("Leases:"))
			kinds := make([]string, 0, len(s.Leases))
			for k := range s.Leases {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				units := make([]string, 0, len(s.Leases[k]))
				for u := range s.Leases[k] {
					units = append(units, u)
				}
				sort.Strings(units)
				for _, u := range units {
					cmd.Printf("  %s %s: %s\n", k, u, s.Leases[k][u])
				}
			}
			cmd.Println()

			cmd.Println(bold("Recalibration:"))
			if s.Schedule == "" {
				cmd.Println("  Schedule: not set")
			} else {
				cmd.Printf("  Schedule: %s\n", bold("%s", s.Schedule))
				if !s.NextRecalibration.IsZero() {
					cmd.Printf("  Next run: %s\n", s.NextRecalibration.Local().Format(time.DateTime))
				}
			}
			return nil
		},
	}
}

func NewLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "lock",
		Short:   "Calibrate, move to the first edge and close the loop",
		GroupID: gBasic,
		Long: `Calibrate every configured input, move the lock output to the first
positive zero crossing of the lock input and close the loop.

The daemon keeps relocking until "lockbox unlock" if auto relock is enabled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.Lock()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, res)
			}
			if !res.Locked {
				logrus.Warnf("no lock point found: %s", res.Edge.Reason)
				return nil
			}
			logrus.Infof("locked %s at offset %.4f", res.Edge.Output, res.Edge.Offset)
			return nil
		},
	}
}

func NewUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "unlock",
		Short:   "Open the loop and reset the outputs",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := apiClient.Unlock(); err != nil {
				return err
			}
			logrus.Info("unlocked")
			return nil
		},
	}
}

func NewOffsetCommand() *cobra.Command {
	var input, output string

	cmd := &cobra.Command{
		Use:     "offset",
		Short:   "Move an output to the first positive edge of an input",
		GroupID: gBasic,
		Long: `Sweep the output, find the first positive zero crossing of the input and
write the actuator value at that point to the output. The loop stays open.

Input and output default to the lock input and lock output.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.SetOffsetToFirstEdge(input, output)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, res)
			}
			if !res.Found {
				logrus.Warnf("offset left untouched: %s", res.Reason)
				return nil
			}
			msg := fmt.Sprintf("set %s to %.4f (edge at sample %d of %s)", res.Output, res.Offset, res.Index, res.Input)
			if res.Clamped {
				msg += fmt.Sprintf(", clamped from %.4f", res.Requested)
			}
			logrus.Info(msg)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "input to sweep")
	cmd.Flags().StringVar(&output, "output", "", "output to move")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(b))
	return nil
}

func stateText(s lockbox.State) string {
	switch s {
	case lockbox.StateConfigured:
		return color.GreenString(string(s))
	case lockbox.StateCalibrating:
		return color.YellowString(string(s))
	case lockbox.StateLeased:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func errorText(v float64) string {
	if v > 0.1 || v < -0.1 {
		return color.New(color.Bold, color.FgRed).Sprintf("%+.4f", v)
	}
	return color.New(color.Bold, color.FgGreen).Sprintf("%+.4f", v)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
