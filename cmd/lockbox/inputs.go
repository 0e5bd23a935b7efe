package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/lockbox/pkg/curve"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

func NewSetupCommand() *cobra.Command {
	var (
		frequency, bandwidth, quadrature, phase, gain, slope, signalAt0 float64
		routing                                                         string
	)

	cmd := &cobra.Command{
		Use:     "setup [input]",
		Short:   "Configure an input",
		GroupID: gInputs,
		Long: `Configure an input and lease a demodulator for it if needed.

Only the flags given are changed; every other parameter keeps its current value.
Values out of range are rejected, never clamped.`,
		Example: `  lockbox setup pfd_signal --frequency 5e6 --phase 45
  lockbox setup filtered_input --input in2 --bandwidth 1e4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{}
			f := cmd.Flags()
			for flag, v := range map[string]*float64{
				"frequency":   &frequency,
				"bandwidth":   &bandwidth,
				"quadrature":  &quadrature,
				"phase":       &phase,
				"gain":        &gain,
				"slope":       &slope,
				"signal-at-0": &signalAt0,
			} {
				if f.Changed(flag) {
					fields[jsonField(flag)] = *v
				}
			}
			if f.Changed("input") {
				fields["input"] = routing
			}

			cfg, err := apiClient.SetupInput(args[0], fields)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, cfg)
			}
			logrus.WithFields(logrus.Fields{
				"frequency": cfg.Frequency,
				"bandwidth": cfg.Bandwidth,
				"phase":     cfg.Phase,
				"gain":      cfg.Gain,
				"input":     cfg.Input,
			}).Infof("%s configured", args[0])
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&frequency, "frequency", 0, "demodulation frequency in Hz")
	f.Float64Var(&bandwidth, "bandwidth", 0, "demodulation bandwidth in Hz")
	f.Float64Var(&quadrature, "quadrature", 0, "quadrature factor")
	f.Float64Var(&phase, "phase", 0, "demodulation phase in degrees")
	f.Float64Var(&gain, "gain", 0, "demodulation gain")
	f.Float64Var(&slope, "slope", 0, "expected signal per unit of the physical variable")
	f.Float64Var(&signalAt0, "signal-at-0", 0, "expected signal at zero displacement")
	f.StringVar(&routing, "input", "", "signal routed into the demodulator (in1, in2, out1, out2, iq0, iq1, iq2)")

	return cmd
}

func jsonField(flag string) string {
	switch flag {
	case "quadrature":
		return "quadratureFactor"
	case "signal-at-0":
		return "signalAt0"
	default:
		return flag
	}
}

func NewClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "clear [input]",
		Short:   "Reset an input and release its units",
		GroupID: gInputs,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiClient.ClearInput(args[0]); err != nil {
				return err
			}
			logrus.Infof("%s cleared", args[0])
			return nil
		},
	}
}

func NewCalibrateCommand() *cobra.Command {
	var autosave bool

	cmd := &cobra.Command{
		Use:     "calibrate [input]",
		Aliases: []string{"cal"},
		Short:   "Record a sweep and store its statistics as the calibration",
		GroupID: gInputs,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient.Calibrate(args[0], autosave)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, res)
			}
			if res.Skipped {
				logrus.Warnf("calibration skipped: %s", res.Reason)
				return nil
			}
			d := res.Data
			cmd.Printf("%s calibration v%d - Min: %.3f  Max: %.3f  Mean: %.3f  Rms: %.3f\n",
				args[0], d.Version, d.Min, d.Max, d.Mean, d.RMS)
			if res.Curve != nil {
				cmd.Printf("  curve saved as %s\n", res.Curve.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autosave, "autosave", false, "save the calibration curve as a snapshot")

	return cmd
}

func NewSweepCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:     "sweep [input]",
		Short:   "Record one sweep of an input",
		GroupID: gInputs,
		Long: `Record one sweep of an input and print it as CSV of time and signal.

Nothing is printed if no scope was available or the capture timed out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient.Sweep(args[0])
			if err != nil {
				return err
			}
			if c == nil {
				logrus.Warn("no capture available, try again later")
				return nil
			}
			if outputJSON {
				return printJSON(cmd, c)
			}

			w := cmd.OutOrStdout()
			if outFile != "" {
				fp, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer fp.Close()
				w = fp
			}
			return curve.EncodeCSV(w, c.Times, c.Signal)
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write the CSV to a file")

	return cmd
}

func NewExpectedCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "expected [input] [variable]",
		Short:   "Print the signal expected for a value of the physical variable",
		GroupID: gInputs,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloatArg(args[1:], "variable")
			if err != nil {
				return err
			}
			res, err := apiClient.GetExpectedSignal(args[0], v)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd, res)
			}
			cmd.Printf("%g\n", res.Signal)
			return nil
		},
	}
}

func NewAnalogOffsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "analog-offset [input] [volts]",
		Short:   "Set the offset subtracted from every capture of an input",
		GroupID: gInputs,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := parseFloatArg(args[1:], "offset")
			if err != nil {
				return err
			}
			if _, err := apiClient.SetAnalogOffset(args[0], v); err != nil {
				return err
			}
			logrus.Infof("set analog offset of %s to %g", args[0], v)
			return nil
		},
	}
}
