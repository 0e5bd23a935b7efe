package lockbox

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/hw"
	"github.com/charlie0129/lockbox/pkg/resource"
)

const (
	// PresetSweep is the scope preset restored before a sweep capture.
	PresetSweep = "sweep"
	// PresetAutoSweep is the preset written after configuring a scope for
	// a sweep capture.
	PresetAutoSweep = "autosweep"
)

// Capture is one synchronized sweep acquisition. Signal and Reference have
// the same length as Times.
type Capture struct {
	Signal    []float64 `json:"signal"`
	Reference []float64 `json:"reference"`
	Times     []float64 `json:"times"`
}

// Sweeper starts the sweep that a capture is synchronized to.
type Sweeper interface {
	Sweep() error
	// SweepFrequency is the frequency of the sweep generator in Hz.
	SweepFrequency() float64
	// SweepDrive names the signal driving the swept actuator.
	SweepDrive() string
}

// SweepCapture acquires one sweep period of an input's signal together with
// the actuator drive on a leased scope.
type SweepCapture struct {
	scopes  *resource.Pool[hw.Scope]
	sweeper Sweeper
}

var _ Acquirer = &SweepCapture{}

// NewSweepCapture creates a SweepCapture leasing scopes from pool.
func NewSweepCapture(scopes *resource.Pool[hw.Scope], sweeper Sweeper) *SweepCapture {
	return &SweepCapture{scopes: scopes, sweeper: sweeper}
}

// Acquire runs a single capture. The scope is released on every path.
// Exhaustion and timeouts are returned as *resource.InsufficientResourceError
// and *hw.CaptureTimeoutError.
func (s *SweepCapture) Acquire(ctx context.Context, req CaptureRequest) (*Capture, error) {
	scope, err := s.scopes.Lease(req.Input)
	if err != nil {
		return nil, err
	}
	defer s.scopes.Release(scope)

	freq := s.sweeper.SweepFrequency()
	if freq <= 0 {
		return nil, pkgerrors.Errorf("sweep generator frequency %g is not positive", freq)
	}
	period := time.Duration(float64(time.Second) / freq)

	if scope.HasState(PresetSweep) {
		if err := scope.LoadState(PresetSweep); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to restore preset %s on %s", PresetSweep, scope.Name())
		}
	} else {
		err := scope.Setup(hw.ScopeParams{
			Input1:        req.Signal,
			Input2:        s.sweeper.SweepDrive(),
			TriggerSource: hw.TriggerSweep,
			TriggerDelay:  0,
			Duration:      period,
			Ch1Active:     true,
			Ch2Active:     true,
			Average:       true,
			TraceAverage:  1,
			RunningState:  "stopped",
			RollingMode:   false,
		})
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to configure %s", scope.Name())
		}
		if err := scope.SaveState(PresetAutoSweep); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to save preset %s on %s", PresetAutoSweep, scope.Name())
		}
	}

	if err := s.sweeper.Sweep(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to start sweep")
	}

	// a started capture runs until it completes or times out
	timeout := period + scope.Duration()
	signal, reference, err := scope.Curve(context.WithoutCancel(ctx), timeout)
	if err != nil {
		return nil, err
	}
	for i := range signal {
		signal[i] -= req.AnalogOffset
	}

	logrus.WithFields(logrus.Fields{
		"input":   req.Input,
		"scope":   scope.Name(),
		"samples": len(signal),
		"period":  period,
	}).Debug("sweep captured")

	return &Capture{
		Signal:    signal,
		Reference: reference,
		Times:     scope.Times(),
	}, nil
}
