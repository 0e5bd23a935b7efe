package lockbox

import (
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/hw"
	"github.com/charlie0129/lockbox/pkg/property"
)

var (
	outputLimit    = property.Float{Name: "output limit", Min: -1, Max: 1, Default: 0}
	sweepFrequency = property.Float{Name: "sweep frequency", Min: 0.1, Max: 1e5, Default: 50}
	sweepAmplitude = property.Float{Name: "sweep amplitude", Min: 0, Max: 1, Default: 1}
)

// OutputConfig describes an actuator output.
type OutputConfig struct {
	// PID names the board output stage driving the actuator.
	PID           string  `json:"pid"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	DefaultOffset float64 `json:"defaultOffset"`

	SweepFrequency float64 `json:"sweepFrequency"`
	SweepAmplitude float64 `json:"sweepAmplitude"`
	SweepOffset    float64 `json:"sweepOffset"`
}

// DefaultOutputConfig returns the configuration of a piezo on pid0.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		PID:            "pid0",
		Min:            outputLimit.Min,
		Max:            outputLimit.Max,
		SweepFrequency: sweepFrequency.Default,
		SweepAmplitude: sweepAmplitude.Default,
	}
}

// Validate checks every field against its bounds.
func (c OutputConfig) Validate() error {
	for _, check := range []struct {
		p property.Float
		v float64
	}{
		{outputLimit, c.Min},
		{outputLimit, c.Max},
		{sweepFrequency, c.SweepFrequency},
		{sweepAmplitude, c.SweepAmplitude},
		{outputLimit, c.SweepOffset},
	} {
		if err := check.p.Validate(check.v); err != nil {
			return err
		}
	}
	if c.Min > c.Max {
		return &property.RangeError{Property: "output min", Value: c.Min, Min: outputLimit.Min, Max: c.Max}
	}
	bounds := property.Float{Name: "default offset", Min: c.Min, Max: c.Max}
	return bounds.Validate(c.DefaultOffset)
}

// Output is an actuator driven by a PID stage. Its offset never leaves
// [Min, Max].
type Output struct {
	name   string
	pid    hw.PID
	config OutputConfig
	bounds property.Float

	mu sync.Mutex
}

func newOutput(name string, pid hw.PID, cfg OutputConfig) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrapf(err, "output %s", name)
	}
	return &Output{
		name:   name,
		pid:    pid,
		config: cfg,
		bounds: property.Float{Name: name + " offset", Min: cfg.Min, Max: cfg.Max, Default: cfg.DefaultOffset},
	}, nil
}

func (o *Output) Name() string { return o.name }

// Config returns the output configuration.
func (o *Output) Config() OutputConfig { return o.config }

// DriveSignal names the signal driving the actuator.
func (o *Output) DriveSignal() string { return o.pid.OutputDirect() }

// Offset returns the offset currently applied.
func (o *Output) Offset() float64 { return o.pid.Offset() }

// SetOffset writes v clamped into the output bounds and returns the value
// actually written.
func (o *Output) SetOffset(v float64) (float64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	applied, clamped := o.bounds.Clamp(v)
	if clamped {
		logrus.WithFields(logrus.Fields{
			"output":    o.name,
			"requested": v,
			"applied":   applied,
			"min":       o.config.Min,
			"max":       o.config.Max,
		}).Warn("offset clamped to output bounds")
	}
	if err := o.pid.SetOffset(applied); err != nil {
		return 0, false, pkgerrors.Wrapf(err, "failed to set offset of %s", o.name)
	}
	return applied, clamped, nil
}

// route feeds signal into the PID. "off" disconnects it.
func (o *Output) route(signal string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.pid.SetInput(signal); err != nil {
		return pkgerrors.Wrapf(err, "failed to route %s into %s", signal, o.name)
	}
	return nil
}

// reset disconnects the PID and restores the default offset.
func (o *Output) reset() error {
	if err := o.route("off"); err != nil {
		return err
	}
	_, _, err := o.SetOffset(o.config.DefaultOffset)
	return err
}
