// Package lockbox drives a laser lock on a board session: inputs derive error
// signals from leased demodulators, outputs move actuators, and sweeps
// synchronized with a leased scope calibrate inputs and find the lock point.
package lockbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
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

var wavelength = property.Float{Name: "wavelength", Min: 0, Max: 1, Default: 1.064e-6, Increment: 1e-9}

// InputSpec declares one input of the topology.
type InputSpec struct {
	Name string    `json:"name"`
	Kind InputKind `json:"kind"`
}

// OutputSpec declares one output of the topology.
type OutputSpec struct {
	Name   string       `json:"name"`
	Config OutputConfig `json:"config"`
}

// Config is the lockbox topology.
type Config struct {
	// Wavelength of the laser in meters.
	Wavelength float64      `json:"wavelength"`
	Inputs     []InputSpec  `json:"inputs"`
	Outputs    []OutputSpec `json:"outputs"`
	// SweepOutput is the output driven by the sweep generator.
	SweepOutput string `json:"sweepOutput"`
	LockInput   string `json:"lockInput"`
	LockOutput  string `json:"lockOutput"`
}

// DefaultConfig is a PLL: a raw input, a demodulated input, a phase-frequency
// detector and a piezo.
func DefaultConfig() Config {
	return Config{
		Wavelength: wavelength.Default,
		Inputs: []InputSpec{
			{Name: "raw_input", Kind: KindDirect},
			{Name: "filtered_input", Kind: KindFiltered},
			{Name: "pfd_signal", Kind: KindPFD},
		},
		Outputs: []OutputSpec{
			{Name: "piezo", Config: DefaultOutputConfig()},
		},
		SweepOutput: "piezo",
		LockInput:   "pfd_signal",
		LockOutput:  "piezo",
	}
}

// Validate checks the topology for consistency.
func (c Config) Validate() error {
	if err := wavelength.Validate(c.Wavelength); err != nil {
		return err
	}

	inputs := map[string]bool{}
	for _, in := range c.Inputs {
		if in.Name == "" {
			return errors.New("input without name")
		}
		if inputs[in.Name] {
			return fmt.Errorf("duplicate input %s", in.Name)
		}
		switch in.Kind {
		case KindDirect, KindFiltered, KindPFD:
		default:
			return fmt.Errorf("input %s: unknown kind %q", in.Name, in.Kind)
		}
		inputs[in.Name] = true
	}

	outputs := map[string]bool{}
	pids := map[string]string{}
	for _, out := range c.Outputs {
		if out.Name == "" {
			return errors.New("output without name")
		}
		if outputs[out.Name] {
			return fmt.Errorf("duplicate output %s", out.Name)
		}
		if other, ok := pids[out.Config.PID]; ok {
			return fmt.Errorf("outputs %s and %s share %s", other, out.Name, out.Config.PID)
		}
		if err := out.Config.Validate(); err != nil {
			return pkgerrors.Wrapf(err, "output %s", out.Name)
		}
		outputs[out.Name] = true
		pids[out.Config.PID] = out.Name
	}

	if !outputs[c.SweepOutput] {
		return fmt.Errorf("sweep output %q is not an output", c.SweepOutput)
	}
	if c.LockInput != "" && !inputs[c.LockInput] {
		return fmt.Errorf("lock input %q is not an input", c.LockInput)
	}
	if c.LockOutput != "" && !outputs[c.LockOutput] {
		return fmt.Errorf("lock output %q is not an output", c.LockOutput)
	}
	return nil
}

// Options carries the collaborators of a Lockbox. Zero values are allowed:
// calibrations are then kept in memory only, curves are not saved and no
// events are published.
type Options struct {
	Calibrations *calibration.Store
	Curves       curve.Store
	Hub          *events.Hub
}

// EdgeResult is the outcome of SetOffsetToFirstEdge. When Found is false no
// actuator was written.
type EdgeResult struct {
	Input     string  `json:"input"`
	Output    string  `json:"output"`
	Found     bool    `json:"found"`
	Reason    string  `json:"reason,omitempty"`
	Index     int     `json:"index"`
	Requested float64 `json:"requested"`
	Offset    float64 `json:"offset"`
	Clamped   bool    `json:"clamped"`
}

// LockResult is the outcome of Lock.
type LockResult struct {
	Locked       bool                          `json:"locked"`
	Calibrations map[string]*CalibrationResult `json:"calibrations"`
	Edge         EdgeResult                    `json:"edge"`
}

// Lockbox owns the inputs, outputs and pools of one board session.
type Lockbox struct {
	board  hw.Board
	iqs    *resource.Pool[hw.Demodulator]
	scopes *resource.Pool[hw.Scope]
	asg    hw.SweepGenerator
	hub    *events.Hub

	inputs  map[string]*Input
	outputs map[string]*Output
	capture *SweepCapture

	mu         sync.RWMutex
	config     Config
	locked     bool
	lockedAt   time.Time
	lockReason string
}

// New builds the topology cfg on board. Nothing is leased until an input is
// set up.
func New(board hw.Board, cfg Config, opts Options) (*Lockbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if board.SweepGenerator() == nil {
		return nil, errors.New("board has no sweep generator")
	}
	if opts.Calibrations == nil {
		opts.Calibrations = calibration.NewStore("")
	}

	l := &Lockbox{
		board:   board,
		iqs:     resource.NewPool(resource.KindDemodulator, board.Demodulators()...),
		scopes:  resource.NewPool(resource.KindCapture, board.Scopes()...),
		asg:     board.SweepGenerator(),
		hub:     opts.Hub,
		inputs:  map[string]*Input{},
		outputs: map[string]*Output{},
		config:  cfg,
	}
	l.capture = NewSweepCapture(l.scopes, l)

	pids := map[string]hw.PID{}
	for _, pid := range board.PIDs() {
		pids[pid.Name()] = pid
	}
	for _, spec := range cfg.Outputs {
		pid, ok := pids[spec.Config.PID]
		if !ok {
			return nil, fmt.Errorf("output %s: board has no %s", spec.Name, spec.Config.PID)
		}
		out, err := newOutput(spec.Name, pid, spec.Config)
		if err != nil {
			return nil, err
		}
		l.outputs[spec.Name] = out
	}

	for _, spec := range cfg.Inputs {
		in := NewInput(spec.Name, spec.Kind, l.iqs, opts.Calibrations)
		in.acquirer = l.capture
		in.curves = opts.Curves
		in.hub = opts.Hub
		l.inputs[spec.Name] = in
	}

	if err := l.configureSweep(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"inputs":       len(l.inputs),
		"outputs":      len(l.outputs),
		"demodulators": l.iqs.Capacity(),
		"scopes":       l.scopes.Capacity(),
	}).Info("lockbox created")
	return l, nil
}

// Input returns the input called name.
func (l *Lockbox) Input(name string) (*Input, bool) {
	in, ok := l.inputs[name]
	return in, ok
}

// Output returns the output called name.
func (l *Lockbox) Output(name string) (*Output, bool) {
	out, ok := l.outputs[name]
	return out, ok
}

// Inputs returns the inputs sorted by name.
func (l *Lockbox) Inputs() []*Input {
	ret := make([]*Input, 0, len(l.inputs))
	for _, in := range l.inputs {
		ret = append(ret, in)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].name < ret[j].name })
	return ret
}

// Outputs returns the outputs sorted by name.
func (l *Lockbox) Outputs() []*Output {
	ret := make([]*Output, 0, len(l.outputs))
	for _, out := range l.outputs {
		ret = append(ret, out)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].name < ret[j].name })
	return ret
}

// Config returns the topology.
func (l *Lockbox) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Lockbox) sweepOutput() *Output {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outputs[l.config.SweepOutput]
}

// SetSweepOutput selects the output driven by sweeps.
func (l *Lockbox) SetSweepOutput(name string) error {
	if _, ok := l.outputs[name]; !ok {
		return fmt.Errorf("unknown output %s", name)
	}
	l.mu.Lock()
	l.config.SweepOutput = name
	l.mu.Unlock()
	return l.configureSweep()
}

func (l *Lockbox) configureSweep() error {
	out := l.sweepOutput()
	cfg := out.Config()
	err := l.asg.Setup(hw.SweepParams{
		Waveform:  "ramp",
		Frequency: cfg.SweepFrequency,
		Amplitude: cfg.SweepAmplitude,
		Offset:    cfg.SweepOffset,
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to configure sweep of %s", out.Name())
	}
	return nil
}

// Sweep routes the sweep generator into the sweep output and starts a ramp
// from its beginning.
func (l *Lockbox) Sweep() error {
	out := l.sweepOutput()
	if err := l.configureSweep(); err != nil {
		return err
	}
	if err := out.route(l.asg.Name()); err != nil {
		return err
	}
	if err := l.asg.Trigger(); err != nil {
		return pkgerrors.Wrapf(err, "failed to trigger %s", l.asg.Name())
	}
	return nil
}

// SweepFrequency implements Sweeper.
func (l *Lockbox) SweepFrequency() float64 {
	return l.asg.Frequency()
}

// SweepDrive implements Sweeper.
func (l *Lockbox) SweepDrive() string {
	return l.sweepOutput().DriveSignal()
}

// SetOffsetToFirstEdge sweeps input and writes the reference value at the
// first positive edge of its signal into output. A missing capture or a
// signal without positive edge is logged and reported with Found false.
func (l *Lockbox) SetOffsetToFirstEdge(ctx context.Context, input, output string) (EdgeResult, error) {
	res := EdgeResult{Input: input, Output: output, Index: -1}

	in, ok := l.inputs[input]
	if !ok {
		return res, fmt.Errorf("unknown input %s", input)
	}
	out, ok := l.outputs[output]
	if !ok {
		return res, fmt.Errorf("unknown output %s", output)
	}

	c, err := in.SweepAcquire(ctx)
	if err != nil {
		return res, err
	}
	if c == nil {
		res.Reason = "no capture"
		return res, nil
	}

	idx, err := FirstPositiveEdge(c.Signal)
	if err != nil {
		logrus.WithField("input", input).Warn("no positive edge in sweep, offset left untouched")
		res.Reason = err.Error()
		return res, nil
	}
	if idx >= len(c.Reference) {
		return res, fmt.Errorf("reference has %d samples, edge at %d", len(c.Reference), idx)
	}

	res.Index = idx
	res.Requested = c.Reference[idx]
	res.Offset, res.Clamped, err = out.SetOffset(res.Requested)
	if err != nil {
		return res, err
	}
	res.Found = true

	logrus.WithFields(logrus.Fields{
		"input":   input,
		"output":  output,
		"index":   idx,
		"offset":  res.Offset,
		"clamped": res.Clamped,
	}).Info("offset set to first positive edge")

	l.hub.Publish(events.OffsetApplied, events.OffsetAppliedEvent{
		Output:  output,
		Input:   input,
		Offset:  res.Offset,
		Clamped: res.Clamped,
		Ts:      time.Now().Unix(),
	})
	return res, nil
}

// Lock calibrates every configured input, moves the lock output to the first
// edge of the lock input and closes the loop. An unsuccessful attempt leaves
// the lockbox unlocked without error.
func (l *Lockbox) Lock(ctx context.Context) (*LockResult, error) {
	cfg := l.Config()
	if cfg.LockInput == "" || cfg.LockOutput == "" {
		return nil, errors.New("no lock input or lock output configured")
	}

	res := &LockResult{Calibrations: map[string]*CalibrationResult{}}
	for _, in := range l.Inputs() {
		if in.State() != StateConfigured {
			continue
		}
		cal, err := in.Calibrate(ctx, false)
		if err != nil {
			return nil, err
		}
		res.Calibrations[in.Name()] = cal
	}

	edge, err := l.SetOffsetToFirstEdge(ctx, cfg.LockInput, cfg.LockOutput)
	if err != nil {
		return nil, err
	}
	res.Edge = edge
	if !edge.Found {
		l.setLocked(false, edge.Reason)
		return res, nil
	}

	in := l.inputs[cfg.LockInput]
	if err := l.outputs[cfg.LockOutput].route(in.Signal()); err != nil {
		return nil, err
	}
	l.setLocked(true, "")
	res.Locked = true
	return res, nil
}

// Unlock opens the loop and returns every output to its default offset.
func (l *Lockbox) Unlock() error {
	var errs []error
	for _, out := range l.Outputs() {
		errs = append(errs, out.reset())
	}
	l.setLocked(false, "unlocked")
	return errors.Join(errs...)
}

func (l *Lockbox) setLocked(locked bool, reason string) {
	l.mu.Lock()
	changed := l.locked != locked
	l.locked = locked
	l.lockReason = reason
	if locked {
		l.lockedAt = time.Now()
	}
	l.mu.Unlock()

	if changed {
		logrus.WithField("locked", locked).WithField("reason", reason).Info("lock state changed")
	}
	l.hub.Publish(events.LockState, events.LockStateEvent{
		Locked:  locked,
		Message: reason,
		Ts:      time.Now().Unix(),
	})
}

// IsLocked reports whether the loop is closed.
func (l *Lockbox) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// Wavelength returns the laser wavelength in meters.
func (l *Lockbox) Wavelength() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Wavelength
}

// SetWavelength validates and stores the wavelength in meters.
func (l *Lockbox) SetWavelength(v float64) error {
	if err := wavelength.Validate(v); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Wavelength = wavelength.Round(v)
	return nil
}

// DegInMeters is the displacement per degree of interferometer phase. The
// factor 2 accounts for the round trip.
func (l *Lockbox) DegInMeters() float64 {
	return l.Wavelength() / 360 / 2
}

// RadInMeters is the displacement per radian of interferometer phase.
func (l *Lockbox) RadInMeters() float64 {
	return l.Wavelength() / (2 * math.Pi) / 2
}

// Close clears every input, releasing all leases, and opens the loop. The
// board itself stays open.
func (l *Lockbox) Close() error {
	var errs []error
	for _, in := range l.Inputs() {
		errs = append(errs, in.Clear())
		l.iqs.ReleaseAll(in.name)
		l.scopes.ReleaseAll(in.name)
	}
	for _, out := range l.Outputs() {
		errs = append(errs, out.reset())
	}
	l.mu.Lock()
	l.locked = false
	l.mu.Unlock()

	logrus.Info("lockbox closed")
	return errors.Join(errs...)
}
