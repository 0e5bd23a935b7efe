package lockbox

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/calibration"
	"github.com/charlie0129/lockbox/pkg/hw"
)

const monitorRequester = "monitor"

// MonitorResult compares the lock input with its setpoint.
type MonitorResult struct {
	Input    string            `json:"input"`
	Stats    calibration.Stats `json:"stats"`
	Expected float64           `json:"expected"`
	// Error is the mean signal minus the expected signal at the setpoint.
	Error float64 `json:"error"`
}

// Monitor records the lock input without sweeping and compares its mean with
// the signal expected at zero displacement. Like SweepAcquire it returns nil
// without error when no scope is free or the capture times out.
func (l *Lockbox) Monitor(ctx context.Context) (*MonitorResult, error) {
	cfg := l.Config()
	in, ok := l.inputs[cfg.LockInput]
	if !ok {
		return nil, pkgerrors.Errorf("unknown lock input %q", cfg.LockInput)
	}
	out, ok := l.outputs[cfg.LockOutput]
	if !ok {
		return nil, pkgerrors.Errorf("unknown lock output %q", cfg.LockOutput)
	}
	if in.Signal() == "" {
		return nil, pkgerrors.Wrapf(ErrNotConfigured, "lock input %s", in.Name())
	}

	scope, err := l.scopes.Lease(monitorRequester)
	if err != nil {
		logrus.WithError(err).Warn("no scope available for monitoring")
		return nil, nil
	}
	defer l.scopes.Release(scope)

	window := time.Duration(float64(time.Second) / l.SweepFrequency())
	err = scope.Setup(hw.ScopeParams{
		Input1:        in.Signal(),
		Input2:        out.DriveSignal(),
		TriggerSource: hw.TriggerImmediately,
		Duration:      window,
		Ch1Active:     true,
		Ch2Active:     true,
		Average:       true,
		TraceAverage:  1,
		RunningState:  "running_single",
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure %s for monitoring", scope.Name())
	}

	signal, _, err := scope.Curve(context.WithoutCancel(ctx), 2*window)
	if err != nil {
		if isRecoverable(err) {
			logrus.WithError(err).Warn("monitor capture failed")
			return nil, nil
		}
		return nil, err
	}
	offset := in.Calibration().AnalogOffset
	for i := range signal {
		signal[i] -= offset
	}

	stats, err := calibration.ComputeStats(signal)
	if err != nil {
		return nil, err
	}
	expected := in.ExpectedSignal(0)
	return &MonitorResult{
		Input:    in.Name(),
		Stats:    stats,
		Expected: expected,
		Error:    stats.Mean - expected,
	}, nil
}
