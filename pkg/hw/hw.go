// Package hw defines the boundary to the FPGA board driver: demodulators,
// scopes, the sweep generator and PID outputs. Register access lives behind
// these interfaces; see package sim for a simulated board.
package hw

import (
	"context"
	"fmt"
	"time"
)

// IQParams configures a quadrature demodulator.
type IQParams struct {
	Frequency        float64 `json:"frequency"`
	Amplitude        float64 `json:"amplitude"`
	Phase            float64 `json:"phase"`
	Input            string  `json:"input"`
	Gain             float64 `json:"gain"`
	Bandwidth        float64 `json:"bandwidth"`
	ACBandwidth      float64 `json:"acbandwidth"`
	QuadratureFactor float64 `json:"quadratureFactor"`
	OutputSignal     string  `json:"outputSignal"`
	OutputDirect     string  `json:"outputDirect"`
}

// Scope trigger sources.
const (
	// TriggerSweep starts an acquisition when the sweep generator is triggered.
	TriggerSweep = "asg"
	// TriggerImmediately starts an acquisition as soon as the scope is set up.
	TriggerImmediately = "immediately"
)

// ScopeParams configures a two channel capture.
type ScopeParams struct {
	Input1        string        `json:"input1"`
	Input2        string        `json:"input2"`
	TriggerSource string        `json:"triggerSource"`
	TriggerDelay  time.Duration `json:"triggerDelay"`
	Duration      time.Duration `json:"duration"`
	Ch1Active     bool          `json:"ch1Active"`
	Ch2Active     bool          `json:"ch2Active"`
	Average       bool          `json:"average"`
	TraceAverage  int           `json:"traceAverage"`
	RunningState  string        `json:"runningState"`
	RollingMode   bool          `json:"rollingMode"`
}

// SweepParams configures the arbitrary signal generator used for sweeps.
type SweepParams struct {
	Waveform  string  `json:"waveform"`
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
	Offset    float64 `json:"offset"`
}

// Demodulator is a quadrature demodulation unit.
type Demodulator interface {
	Name() string
	Setup(IQParams) error
	// Reset puts the unit back into its power-on state.
	Reset() error
}

// Scope is a capture unit recording two channels.
type Scope interface {
	Name() string
	Setup(ScopeParams) error
	Duration() time.Duration
	// Curve blocks until a full acquisition is available or timeout expires,
	// in which case a *CaptureTimeoutError is returned.
	Curve(ctx context.Context, timeout time.Duration) (ch1, ch2 []float64, err error)
	// Times returns the time axis of the last curve in seconds.
	Times() []float64
	HasState(name string) bool
	LoadState(name string) error
	SaveState(name string) error
}

// SweepGenerator drives an output through a periodic waveform.
type SweepGenerator interface {
	Name() string
	Setup(SweepParams) error
	Frequency() float64
	// Trigger starts the waveform from its beginning and fires the trigger
	// output used by the scopes.
	Trigger() error
}

// PID is an output stage driving an actuator.
type PID interface {
	Name() string
	// OutputDirect names the signal this PID drives, as seen by a scope.
	OutputDirect() string
	SetInput(signal string) error
	SetOffset(v float64) error
	Offset() float64
}

// Board bundles the units of one board session.
type Board interface {
	Demodulators() []Demodulator
	Scopes() []Scope
	SweepGenerator() SweepGenerator
	PIDs() []PID
	Close() error
}

// CaptureTimeoutError is returned when a scope did not deliver a full
// waveform in time.
type CaptureTimeoutError struct {
	Scope   string
	Timeout time.Duration
}

func (e *CaptureTimeoutError) Error() string {
	return fmt.Sprintf("%s: no complete curve within %s", e.Scope, e.Timeout)
}
