package lockbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/calibration"
	"github.com/charlie0129/lockbox/pkg/curve"
	"github.com/charlie0129/lockbox/pkg/events"
	"github.com/charlie0129/lockbox/pkg/hw"
	"github.com/charlie0129/lockbox/pkg/property"
	"github.com/charlie0129/lockbox/pkg/resource"
)

// ClockFrequency is the FPGA clock; demodulation frequencies stay below Nyquist.
const ClockFrequency = 125e6

// InputKind selects how an input derives its signal.
type InputKind string

const (
	// KindDirect reads an ADC channel as is.
	KindDirect InputKind = "direct"
	// KindFiltered demodulates an ADC channel and outputs the quadrature.
	KindFiltered InputKind = "filtered"
	// KindPFD runs the phase-frequency detector on a demodulator output.
	KindPFD InputKind = "pfd"
)

// State is the life-cycle state of an input.
type State string

const (
	StateUnconfigured State = "Unconfigured"
	StateLeased       State = "Leased"
	StateConfigured   State = "Configured"
	StateCalibrating  State = "Calibrating"
	StateReleased     State = "Released"
)

// ErrNotConfigured is returned when an input is used before Setup.
var ErrNotConfigured = errors.New("input is not configured")

var (
	demodFrequency   = property.Float{Name: "frequency", Min: 0, Max: ClockFrequency / 2, Default: 0}
	demodBandwidth   = property.Float{Name: "bandwidth", Min: 0, Max: ClockFrequency / 2, Default: 1e3}
	quadratureFactor = property.Float{Name: "quadrature factor", Min: 0, Max: 1e3, Default: 1, Increment: 1. / 256}
	demodPhase       = property.Float{Name: "phase", Min: 0, Max: 360, Default: 0}
	demodGain        = property.Float{Name: "gain", Min: -1e3, Max: 1e3, Default: 0}
	slopeProperty    = property.Float{Name: "slope", Min: -1e10, Max: 1e10, Default: 1}
	signalAt0        = property.Float{Name: "signal at 0", Min: -1e10, Max: 1e10, Default: 0}
	inputRouting     = property.Select{Name: "input", Options: []string{"in1", "in2", "out1", "out2", "iq0", "iq1", "iq2"}, Default: "in1"}
)

// InputConfig holds the tunable parameters of an input.
type InputConfig struct {
	Frequency        float64 `json:"frequency"`
	Bandwidth        float64 `json:"bandwidth"`
	QuadratureFactor float64 `json:"quadratureFactor"`
	Phase            float64 `json:"phase"`
	Gain             float64 `json:"gain"`
	Input            string  `json:"input"`

	// Slope and SignalAt0 parametrize the linear expected signal.
	Slope     float64 `json:"slope"`
	SignalAt0 float64 `json:"signalAt0"`
}

// DefaultInputConfig returns the defaults for kind.
func DefaultInputConfig(kind InputKind) InputConfig {
	cfg := InputConfig{
		Frequency:        demodFrequency.Default,
		Bandwidth:        demodBandwidth.Default,
		QuadratureFactor: quadratureFactor.Default,
		Phase:            demodPhase.Default,
		Gain:             demodGain.Default,
		Input:            inputRouting.Default,
		Slope:            slopeProperty.Default,
		SignalAt0:        signalAt0.Default,
	}
	if kind == KindPFD {
		cfg.Input = "iq1"
	}
	return cfg
}

// Validate checks every field against its declared bounds. Values are never
// clamped.
func (c InputConfig) Validate() error {
	for _, check := range []struct {
		p property.Float
		v float64
	}{
		{demodFrequency, c.Frequency},
		{demodBandwidth, c.Bandwidth},
		{quadratureFactor, c.QuadratureFactor},
		{demodPhase, c.Phase},
		{demodGain, c.Gain},
		{slopeProperty, c.Slope},
		{signalAt0, c.SignalAt0},
	} {
		if err := check.p.Validate(check.v); err != nil {
			return err
		}
	}
	return inputRouting.Validate(c.Input)
}

// ACBandwidth is the high-pass corner placed below the demodulation frequency.
func (c InputConfig) ACBandwidth() float64 {
	return c.Frequency / 128.0
}

// SignalModel maps a physical variable onto the signal expected at the input.
type SignalModel interface {
	ExpectedSignal(variable float64) float64
}

// LinearModel is slope*variable + SignalAt0.
type LinearModel struct {
	Slope     float64
	SignalAt0 float64
}

func (m LinearModel) ExpectedSignal(variable float64) float64 {
	return m.Slope*variable + m.SignalAt0
}

// SignalModelFunc adapts a function to SignalModel.
type SignalModelFunc func(variable float64) float64

func (f SignalModelFunc) ExpectedSignal(variable float64) float64 { return f(variable) }

// CaptureRequest is what an Acquirer needs to know about the input.
type CaptureRequest struct {
	Input        string
	Signal       string
	AnalogOffset float64
}

// Acquirer records a waveform of an input's signal.
type Acquirer interface {
	Acquire(ctx context.Context, req CaptureRequest) (*Capture, error)
}

// CalibrationResult is the outcome of Calibrate. A skipped calibration left
// the previous record untouched.
type CalibrationResult struct {
	Skipped bool             `json:"skipped"`
	Reason  string           `json:"reason,omitempty"`
	Data    calibration.Data `json:"data"`
	Curve   *curve.Handle    `json:"curve,omitempty"`
}

// Input is one logical error or measurement signal. Demodulated inputs hold a
// demodulator lease between Setup and Clear.
type Input struct {
	name string
	kind InputKind

	iqs          *resource.Pool[hw.Demodulator]
	calibrations *calibration.Store
	acquirer     Acquirer
	curves       curve.Store
	hub          *events.Hub
	model        SignalModel
	defaults     InputConfig

	// opMu serializes Setup, Clear, Calibrate and SweepAcquire.
	opMu sync.Mutex

	mu     sync.RWMutex
	state  State
	config InputConfig
	iq     hw.Demodulator
}

// NewInput creates an unconfigured input.
func NewInput(name string, kind InputKind, iqs *resource.Pool[hw.Demodulator], calibrations *calibration.Store) *Input {
	return &Input{
		name:         name,
		kind:         kind,
		iqs:          iqs,
		calibrations: calibrations,
		defaults:     DefaultInputConfig(kind),
		state:        StateUnconfigured,
	}
}

func (in *Input) Name() string    { return in.name }
func (in *Input) Kind() InputKind { return in.kind }

// State returns the current life-cycle state.
func (in *Input) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// Config returns the applied configuration, or the defaults before Setup.
func (in *Input) Config() InputConfig {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.state == StateConfigured || in.state == StateCalibrating {
		return in.config
	}
	return in.defaults
}

// Unit returns the name of the leased demodulator, or "".
func (in *Input) Unit() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.iq == nil {
		return ""
	}
	return in.iq.Name()
}

// Signal names the signal this input produces, as seen by a scope.
func (in *Input) Signal() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.signalLocked()
}

func (in *Input) signalLocked() string {
	if in.kind == KindDirect {
		if in.state != StateConfigured && in.state != StateCalibrating {
			return ""
		}
		return in.config.Input
	}
	if in.iq == nil {
		return ""
	}
	return in.iq.Name()
}

// Calibration returns the latest calibration record.
func (in *Input) Calibration() calibration.Data {
	return in.calibrations.Get(in.name)
}

// SetSignalModel replaces the linear expected-signal model.
func (in *Input) SetSignalModel(m SignalModel) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.model = m
}

// ExpectedSignal returns the signal expected for the physical variable.
func (in *Input) ExpectedSignal(variable float64) float64 {
	in.mu.RLock()
	m := in.model
	cfg := in.config
	if in.state != StateConfigured && in.state != StateCalibrating {
		cfg = in.defaults
	}
	in.mu.RUnlock()

	if m == nil {
		m = LinearModel{Slope: cfg.Slope, SignalAt0: cfg.SignalAt0}
	}
	return m.ExpectedSignal(variable)
}

// SetAnalogOffset records the offset subtracted from every following capture.
func (in *Input) SetAnalogOffset(v float64) error {
	if err := signalAt0.Validate(v); err != nil {
		return err
	}
	in.calibrations.Update(in.name, func(d calibration.Data) calibration.Data {
		d.AnalogOffset = v
		return d
	})
	return nil
}

// Setup validates cfg, leases a demodulator if the input does not hold one
// yet and applies cfg to it. On any error the input keeps its previous state.
func (in *Input) Setup(cfg InputConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	in.opMu.Lock()
	defer in.opMu.Unlock()

	prev := in.State()
	fresh, err := in.ensureLeased()
	if err != nil {
		return err
	}

	in.mu.RLock()
	iq := in.iq
	in.mu.RUnlock()

	if iq != nil {
		if err := iq.Setup(in.iqParams(cfg)); err != nil {
			if fresh {
				in.iqs.Release(iq)
				in.mu.Lock()
				in.iq = nil
				in.state = prev
				in.mu.Unlock()
			}
			return pkgerrors.Wrapf(err, "failed to set up %s on %s", in.name, iq.Name())
		}
	}

	in.mu.Lock()
	in.config = cfg
	in.state = StateConfigured
	in.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"input":     in.name,
		"kind":      in.kind,
		"unit":      in.Unit(),
		"frequency": cfg.Frequency,
		"bandwidth": cfg.Bandwidth,
	}).Info("input configured")
	return nil
}

// ensureLeased leases a demodulator for demodulated inputs that hold none.
// It reports whether a new lease was taken.
func (in *Input) ensureLeased() (bool, error) {
	if in.kind == KindDirect {
		return false, nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.iq != nil {
		return false, nil
	}
	iq, err := in.iqs.Lease(in.name)
	if err != nil {
		return false, err
	}
	in.iq = iq
	in.state = StateLeased
	return true, nil
}

func (in *Input) iqParams(cfg InputConfig) hw.IQParams {
	p := hw.IQParams{
		Frequency:        cfg.Frequency,
		Amplitude:        0,
		Phase:            cfg.Phase,
		Input:            cfg.Input,
		Gain:             cfg.Gain,
		Bandwidth:        cfg.Bandwidth,
		ACBandwidth:      cfg.ACBandwidth(),
		QuadratureFactor: cfg.QuadratureFactor,
		OutputSignal:     "quadrature",
		OutputDirect:     "off",
	}
	if in.kind == KindPFD {
		p.OutputSignal = "pfd"
	}
	return p
}

// Clear resets and releases the demodulator. Clearing a released input is a
// no-op.
func (in *Input) Clear() error {
	in.opMu.Lock()
	defer in.opMu.Unlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state == StateReleased {
		return nil
	}

	var err error
	if in.iq != nil {
		if resetErr := in.iq.Reset(); resetErr != nil {
			err = pkgerrors.Wrapf(resetErr, "failed to reset %s", in.iq.Name())
		}
		in.iqs.Release(in.iq)
		in.iq = nil
	}
	// catches leases a failed operation may have left behind
	in.iqs.ReleaseAll(in.name)
	in.state = StateReleased

	logrus.WithField("input", in.name).Info("input cleared")
	return err
}

// SweepAcquire records one sweep of the input's signal. A missing scope or a
// capture timeout is logged and yields a nil capture without error.
func (in *Input) SweepAcquire(ctx context.Context) (*Capture, error) {
	in.opMu.Lock()
	defer in.opMu.Unlock()

	c, err := in.acquire(ctx)
	if err != nil {
		if isRecoverable(err) {
			logrus.WithError(err).WithField("input", in.name).Warn("no capture available for sweep acquire")
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Calibrate records a sweep and replaces the calibration record with its
// statistics. With autosave the curve is stored as a snapshot.
func (in *Input) Calibrate(ctx context.Context, autosave bool) (*CalibrationResult, error) {
	in.opMu.Lock()
	defer in.opMu.Unlock()

	in.mu.Lock()
	if in.state != StateConfigured {
		state := in.state
		in.mu.Unlock()
		return nil, pkgerrors.Wrapf(ErrNotConfigured, "%s is %s", in.name, state)
	}
	in.state = StateCalibrating
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.state = StateConfigured
		in.mu.Unlock()
	}()

	c, err := in.acquire(ctx)
	if err != nil && !isRecoverable(err) {
		return nil, err
	}
	if c == nil {
		reason := "no capture"
		if err != nil {
			reason = err.Error()
		}
		logrus.WithField("input", in.name).WithField("reason", reason).Warn("aborting calibration because no scope is available")
		return &CalibrationResult{Skipped: true, Reason: reason, Data: in.Calibration()}, nil
	}

	stats, err := calibration.ComputeStats(c.Signal)
	if err != nil {
		logrus.WithError(err).WithField("input", in.name).Warn("aborting calibration")
		return &CalibrationResult{Skipped: true, Reason: err.Error(), Data: in.Calibration()}, nil
	}

	data := in.calibrations.Update(in.name, func(d calibration.Data) calibration.Data {
		return d.Apply(stats, time.Now())
	})

	logrus.WithFields(logrus.Fields{
		"input":   in.name,
		"version": data.Version,
	}).Infof("%s calibration successful - Min: %.3f  Max: %.3f  Mean: %.3f  Rms: %.3f",
		in.name, data.Min, data.Max, data.Mean, data.RMS)

	in.hub.Publish(events.InputCalibrated, events.InputCalibratedEvent{
		Input:   in.name,
		Version: data.Version,
		Min:     data.Min,
		Max:     data.Max,
		Mean:    data.Mean,
		RMS:     data.RMS,
		Ts:      time.Now().Unix(),
	})

	result := &CalibrationResult{Data: data}
	if !autosave {
		return result, nil
	}
	if in.curves == nil {
		logrus.WithField("input", in.name).Warn("autosave requested but no curve store configured")
		return result, nil
	}

	name := in.name + "_calibration"
	params := data.Params()
	params["name"] = name
	h, err := in.curves.Save(c.Times, c.Signal, name, params)
	if err != nil {
		logrus.WithError(err).WithField("input", in.name).Error("failed to save calibration curve")
		return result, nil
	}
	result.Data = in.calibrations.Update(in.name, func(d calibration.Data) calibration.Data {
		d.CurveID = h.ID
		return d
	})
	result.Curve = h
	return result, nil
}

// acquire runs the acquirer for a configured input. opMu must be held.
func (in *Input) acquire(ctx context.Context) (*Capture, error) {
	in.mu.RLock()
	state := in.state
	signal := in.signalLocked()
	in.mu.RUnlock()

	if state != StateConfigured && state != StateCalibrating {
		return nil, pkgerrors.Wrapf(ErrNotConfigured, "%s is %s", in.name, state)
	}
	if in.acquirer == nil {
		return nil, fmt.Errorf("%s has no acquirer", in.name)
	}

	return in.acquirer.Acquire(ctx, CaptureRequest{
		Input:        in.name,
		Signal:       signal,
		AnalogOffset: in.Calibration().AnalogOffset,
	})
}

// isRecoverable reports whether err means "try again later" rather than a
// broken configuration.
func isRecoverable(err error) bool {
	var ire *resource.InsufficientResourceError
	var cte *hw.CaptureTimeoutError
	return errors.As(err, &ire) || errors.As(err, &cte)
}
