package config

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/lockbox"
)

type Config interface {
	Wavelength() float64
	SweepOutput() string
	SweepFrequency() float64
	SweepAmplitude() float64
	SweepOffset() float64
	LockInput() string
	LockOutput() string

	// Demodulators and Scopes size the simulated board.
	Demodulators() int
	Scopes() int

	// Inputs returns the input configurations applied at daemon start.
	Inputs() map[string]lockbox.InputConfig
	Output(name string) (lockbox.OutputConfig, bool)

	// RecalibrationSchedule is a cron expression. Empty disables it.
	RecalibrationSchedule() string
	SnapshotDir() string
	CalibrationStatePath() string

	MonitorInterval() time.Duration
	AutoRelock() bool
	RelockThreshold() float64
	// RelockRate is the maximum number of relock attempts per minute.
	RelockRate() float64
	AllowNonRootAccess() bool

	SetWavelength(float64) error
	SetInput(name string, c lockbox.InputConfig) error
	SetRecalibrationSchedule(string)
	SetAutoRelock(bool)
	SetAllowNonRootAccess(bool)

	LogrusFields() logrus.Fields
	// Validate checks values read from the source.
	Validate() error

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// Lockbox builds the lockbox topology described by c on top of the default
// PLL topology.
func Lockbox(c Config) lockbox.Config {
	cfg := lockbox.DefaultConfig()
	cfg.Wavelength = c.Wavelength()
	cfg.SweepOutput = c.SweepOutput()
	cfg.LockInput = c.LockInput()
	cfg.LockOutput = c.LockOutput()

	for i, out := range cfg.Outputs {
		if oc, ok := c.Output(out.Name); ok {
			cfg.Outputs[i].Config = oc
		}
		if out.Name == cfg.SweepOutput {
			cfg.Outputs[i].Config.SweepFrequency = c.SweepFrequency()
			cfg.Outputs[i].Config.SweepAmplitude = c.SweepAmplitude()
			cfg.Outputs[i].Config.SweepOffset = c.SweepOffset()
		}
	}
	return cfg
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a recalibration schedule. Besides the five standard
// fields it accepts an optional seconds field and descriptors like "@every 1h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}
