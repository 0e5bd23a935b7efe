package lockbox

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/charlie0129/lockbox/pkg/calibration"
	"github.com/charlie0129/lockbox/pkg/curve"
	"github.com/charlie0129/lockbox/pkg/events"
	"github.com/charlie0129/lockbox/pkg/hw/sim"
	"github.com/charlie0129/lockbox/pkg/property"
	"github.com/charlie0129/lockbox/pkg/resource"
)

func linearPlant(drive float64) float64 { return drive - 0.25 }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Outputs[0].Config.SweepFrequency = 100
	return cfg
}

func newTestLockbox(t *testing.T, simOpts sim.Options, cfg Config, opts Options) (*Lockbox, *sim.Board) {
	t.Helper()
	if simOpts.Plant == nil {
		simOpts.Plant = linearPlant
	}
	if simOpts.PIDs == 0 {
		simOpts.PIDs = 1
	}
	if simOpts.Samples == 0 {
		simOpts.Samples = 256
	}
	board := sim.New(simOpts)
	l, err := New(board, cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, board
}

func mustInput(t *testing.T, l *Lockbox, name string) *Input {
	t.Helper()
	in, ok := l.Input(name)
	if !ok {
		t.Fatalf("no input %s", name)
	}
	return in
}

func TestSetupRejectsOutOfRange(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Demodulators: 2, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "filtered_input")

	tests := []struct {
		name   string
		mutate func(*InputConfig)
	}{
		{"frequency above nyquist", func(c *InputConfig) { c.Frequency = ClockFrequency }},
		{"negative bandwidth", func(c *InputConfig) { c.Bandwidth = -1 }},
		{"phase", func(c *InputConfig) { c.Phase = 361 }},
		{"slope", func(c *InputConfig) { c.Slope = 2e10 }},
		{"nan signal at 0", func(c *InputConfig) { c.SignalAt0 = math.NaN() }},
		{"unknown routing", func(c *InputConfig) { c.Input = "in3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultInputConfig(KindFiltered)
			tt.mutate(&cfg)

			err := in.Setup(cfg)
			var re *property.RangeError
			if !errors.As(err, &re) {
				t.Fatalf("expected RangeError, got %v", err)
			}
			if in.State() != StateUnconfigured {
				t.Errorf("state = %s, want Unconfigured", in.State())
			}
			if l.iqs.Available() != 2 {
				t.Errorf("a demodulator was leased on a rejected setup")
			}
		})
	}
}

func TestSetupPoolCapacityOne(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Demodulators: 1, Scopes: 1}, testConfig(), Options{})
	a := mustInput(t, l, "filtered_input")
	b := mustInput(t, l, "pfd_signal")

	if err := a.Setup(DefaultInputConfig(KindFiltered)); err != nil {
		t.Fatalf("setup of A: %v", err)
	}

	err := b.Setup(DefaultInputConfig(KindPFD))
	var ire *resource.InsufficientResourceError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InsufficientResourceError, got %v", err)
	}
	if b.State() != StateUnconfigured || b.Unit() != "" {
		t.Errorf("B changed state: %s %q", b.State(), b.Unit())
	}
	if a.State() != StateConfigured || a.Unit() != "iq0" {
		t.Errorf("A changed state: %s %q", a.State(), a.Unit())
	}

	if err := a.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := b.Setup(DefaultInputConfig(KindPFD)); err != nil {
		t.Fatalf("setup of B after clear: %v", err)
	}
	if b.Unit() != "iq0" {
		t.Errorf("B unit = %q", b.Unit())
	}
}

func TestSetupReentrant(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Demodulators: 2, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "filtered_input")

	cfg := DefaultInputConfig(KindFiltered)
	cfg.Frequency = 1.28e6
	if err := in.Setup(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Phase = 90
	cfg.Gain = 2
	if err := in.Setup(cfg); err != nil {
		t.Fatal(err)
	}

	if l.iqs.Available() != 1 {
		t.Errorf("reconfiguring leased another unit, available = %d", l.iqs.Available())
	}
	iq := board.IQ(0)
	if iq.Setups() != 2 {
		t.Errorf("Setups = %d, want 2", iq.Setups())
	}
	p := iq.Params()
	if p.Phase != 90 || p.Gain != 2 || p.ACBandwidth != 1e4 || p.OutputSignal != "quadrature" || p.Amplitude != 0 || p.OutputDirect != "off" {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestPFDParams(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Demodulators: 1, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "pfd_signal")
	if err := in.Setup(DefaultInputConfig(KindPFD)); err != nil {
		t.Fatal(err)
	}
	p := board.IQ(0).Params()
	if p.OutputSignal != "pfd" || p.Input != "iq1" {
		t.Errorf("unexpected params %+v", p)
	}
	if in.Signal() != "iq0" {
		t.Errorf("Signal = %q", in.Signal())
	}
}

func TestSetupFailureReleasesLease(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Demodulators: 1, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "filtered_input")

	board.IQ(0).FailSetup = errors.New("register write failed")
	if err := in.Setup(DefaultInputConfig(KindFiltered)); err == nil {
		t.Fatal("expected setup to fail")
	}
	if l.iqs.Available() != 1 {
		t.Errorf("lease leaked after failed setup")
	}
	if in.State() != StateUnconfigured {
		t.Errorf("state = %s", in.State())
	}

	if err := in.Setup(DefaultInputConfig(KindFiltered)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestClearIdempotent(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Demodulators: 2, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "filtered_input")
	if err := in.Setup(DefaultInputConfig(KindFiltered)); err != nil {
		t.Fatal(err)
	}

	if err := in.Clear(); err != nil {
		t.Fatal(err)
	}
	once := l.iqs.Leases()
	if err := in.Clear(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(once, l.iqs.Leases()) {
		t.Errorf("second clear changed the pool: %v vs %v", once, l.iqs.Leases())
	}
	if in.State() != StateReleased || l.iqs.Available() != 2 {
		t.Errorf("state %s, available %d", in.State(), l.iqs.Available())
	}
}

func TestExpectedSignal(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "raw_input")

	cfg := DefaultInputConfig(KindDirect)
	cfg.Slope = 2
	cfg.SignalAt0 = -1
	if err := in.Setup(cfg); err != nil {
		t.Fatal(err)
	}
	if got := in.ExpectedSignal(3); got != 5 {
		t.Errorf("ExpectedSignal(3) = %v, want 5", got)
	}

	in.SetSignalModel(SignalModelFunc(func(x float64) float64 { return x * x }))
	if got := in.ExpectedSignal(3); got != 9 {
		t.Errorf("custom model: ExpectedSignal(3) = %v, want 9", got)
	}
}

func TestCalibrate(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe()
	curves, err := curve.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := calibration.NewStore("")

	simOpts := sim.Options{
		Scopes:       1,
		AnalogOffset: 1,
		Plant:        func(float64) float64 { return 3 },
	}
	l, _ := newTestLockbox(t, simOpts, testConfig(), Options{Calibrations: store, Curves: curves, Hub: hub})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}
	if err := in.SetAnalogOffset(1); err != nil {
		t.Fatal(err)
	}

	res, err := in.Calibrate(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatalf("calibration skipped: %s", res.Reason)
	}
	d := res.Data
	if d.Min != 3 || d.Max != 3 || d.Mean != 3 || d.RMS != 3 || d.Version != 1 {
		t.Errorf("unexpected calibration %+v", d)
	}
	if res.Curve == nil || d.CurveID != res.Curve.ID || res.Curve.Name != "raw_input_calibration" {
		t.Errorf("snapshot not recorded: %+v %+v", res.Curve, d)
	}
	if in.State() != StateConfigured {
		t.Errorf("state = %s after calibration", in.State())
	}

	ev := <-ch
	payload, err := events.DecodeAs[events.InputCalibratedEvent](ev)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != events.InputCalibrated || payload.Input != "raw_input" {
		t.Errorf("unexpected event %+v", ev)
	}
	if len(ch) != 0 {
		t.Errorf("%d extra events published", len(ch))
	}
}

func TestCalibrateTimeoutKeepsPreviousRecord(t *testing.T) {
	store := calibration.NewStore("")
	prev := calibration.Data{Stats: calibration.Stats{Mean: 7}, Version: 3}
	store.Put("raw_input", prev)

	l, board := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{Calibrations: store})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}
	board.Scope(0).Stall(true)

	c, err := in.SweepAcquire(context.Background())
	if c != nil || err != nil {
		t.Fatalf("SweepAcquire = %v, %v; want nil, nil", c, err)
	}

	res, err := in.Calibrate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected a skipped calibration")
	}
	if !reflect.DeepEqual(store.Get("raw_input"), prev) {
		t.Errorf("calibration changed: %+v", store.Get("raw_input"))
	}
	if l.scopes.Available() != 1 {
		t.Errorf("scope not released after timeout")
	}
}

func TestCalibrateWithoutScope(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Scopes: 0}, testConfig(), Options{})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}
	res, err := in.Calibrate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Data.Calibrated() {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCalibrateNotConfigured(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{})
	_, err := mustInput(t, l, "raw_input").Calibrate(context.Background(), false)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSweepCaptureUsesPreset(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}

	c, err := in.SweepAcquire(context.Background())
	if err != nil || c == nil {
		t.Fatalf("SweepAcquire = %v, %v", c, err)
	}
	scope := board.Scope(0)
	if !scope.HasState(PresetAutoSweep) {
		t.Error("autosweep preset not saved")
	}
	p := scope.Params()
	if p.Input1 != "in1" || p.Input2 != "out1" || p.Duration.Seconds() != 0.01 || !p.Ch1Active || !p.Ch2Active || p.TraceAverage != 1 {
		t.Errorf("unexpected scope params %+v", p)
	}
	if len(c.Signal) != len(c.Times) || len(c.Reference) != len(c.Times) {
		t.Errorf("capture lengths differ")
	}
	if board.PID(0).Input() != "asg0" {
		t.Errorf("sweep output not routed to the generator: %q", board.PID(0).Input())
	}

	// a user preset named sweep takes precedence
	custom := p
	custom.Input1 = "in2"
	if err := scope.Setup(custom); err != nil {
		t.Fatal(err)
	}
	if err := scope.SaveState(PresetSweep); err != nil {
		t.Fatal(err)
	}
	if _, err := in.SweepAcquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if scope.Params().Input1 != "in2" {
		t.Errorf("preset %s not restored", PresetSweep)
	}
}

func TestSweepCaptureIgnoresCancellation(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := in.SweepAcquire(ctx)
	if err != nil || c == nil {
		t.Fatalf("SweepAcquire = %v, %v; want a capture", c, err)
	}
	if board.Scope(0).Curves() != 1 {
		t.Errorf("Curves = %d, want 1", board.Scope(0).Curves())
	}
}

func TestSetOffsetToFirstEdge(t *testing.T) {
	tests := []struct {
		name        string
		max         float64
		wantClamped bool
	}{
		{name: "within bounds", max: 1},
		{name: "clamped", max: 0.1, wantClamped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Outputs[0].Config.Max = tt.max
			l, board := newTestLockbox(t, sim.Options{Scopes: 1}, cfg, Options{})
			in := mustInput(t, l, "raw_input")
			if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
				t.Fatal(err)
			}

			c, err := in.SweepAcquire(context.Background())
			if err != nil || c == nil {
				t.Fatalf("SweepAcquire = %v, %v", c, err)
			}
			idx, err := FirstPositiveEdge(c.Signal)
			if err != nil {
				t.Fatal(err)
			}
			want, _ := (property.Float{Min: -1, Max: tt.max}).Clamp(c.Reference[idx])

			res, err := l.SetOffsetToFirstEdge(context.Background(), "raw_input", "piezo")
			if err != nil {
				t.Fatal(err)
			}
			if !res.Found || res.Index != idx || res.Clamped != tt.wantClamped {
				t.Errorf("unexpected result %+v, edge at %d", res, idx)
			}
			if got := board.PID(0).Offset(); got != want {
				t.Errorf("offset = %v, want %v", got, want)
			}
		})
	}
}

func TestSetOffsetWithoutCrossing(t *testing.T) {
	simOpts := sim.Options{Scopes: 1, Plant: func(float64) float64 { return 1 }}
	l, board := newTestLockbox(t, simOpts, testConfig(), Options{})
	in := mustInput(t, l, "raw_input")
	if err := in.Setup(DefaultInputConfig(KindDirect)); err != nil {
		t.Fatal(err)
	}
	if err := board.PID(0).SetOffset(0.3); err != nil {
		t.Fatal(err)
	}

	res, err := l.SetOffsetToFirstEdge(context.Background(), "raw_input", "piezo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Errorf("unexpected edge %+v", res)
	}
	if board.PID(0).Offset() != 0.3 {
		t.Errorf("offset changed to %v", board.PID(0).Offset())
	}
}

func TestLockUnlock(t *testing.T) {
	hub := events.NewHub()
	l, board := newTestLockbox(t, sim.Options{Demodulators: 2, Scopes: 1}, testConfig(), Options{Hub: hub})
	in := mustInput(t, l, "pfd_signal")
	if err := in.Setup(DefaultInputConfig(KindPFD)); err != nil {
		t.Fatal(err)
	}

	res, err := l.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked || !l.IsLocked() {
		t.Fatalf("not locked: %+v", res)
	}
	if _, ok := res.Calibrations["pfd_signal"]; !ok {
		t.Error("lock input was not calibrated")
	}
	if board.PID(0).Input() != in.Signal() {
		t.Errorf("loop not closed, pid input %q", board.PID(0).Input())
	}

	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if l.IsLocked() || board.PID(0).Input() != "off" || board.PID(0).Offset() != 0 {
		t.Errorf("unlock left %q at %v", board.PID(0).Input(), board.PID(0).Offset())
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Demodulators: 2, Scopes: 1}, testConfig(), Options{})
	for _, name := range []string{"filtered_input", "pfd_signal"} {
		in := mustInput(t, l, name)
		if err := in.Setup(DefaultInputConfig(in.Kind())); err != nil {
			t.Fatal(err)
		}
	}
	if l.iqs.Available() != 0 {
		t.Fatalf("available = %d", l.iqs.Available())
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if l.iqs.Available() != 2 || l.scopes.Available() != 1 {
		t.Errorf("leases left after Close: %v", l.Status().Leases)
	}
	for _, in := range l.Inputs() {
		if in.State() != StateReleased {
			t.Errorf("%s is %s", in.Name(), in.State())
		}
	}
}

func TestWavelength(t *testing.T) {
	l, _ := newTestLockbox(t, sim.Options{Scopes: 1}, testConfig(), Options{})
	if got, want := l.DegInMeters(), 1.064e-6/720; math.Abs(got-want) > 1e-18 {
		t.Errorf("DegInMeters = %v, want %v", got, want)
	}
	var re *property.RangeError
	if err := l.SetWavelength(2); !errors.As(err, &re) {
		t.Errorf("expected RangeError, got %v", err)
	}
	if err := l.SetWavelength(1.55e-6); err != nil {
		t.Fatal(err)
	}
	m, err := l.ToMeters(180, "deg")
	if err != nil || math.Abs(m-1.55e-6/4) > 1e-15 {
		t.Errorf("ToMeters(180 deg) = %v, %v", m, err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate input", func(c *Config) { c.Inputs = append(c.Inputs, c.Inputs[0]) }},
		{"unknown kind", func(c *Config) { c.Inputs[0].Kind = "optical" }},
		{"unknown sweep output", func(c *Config) { c.SweepOutput = "mirror" }},
		{"unknown lock input", func(c *Config) { c.LockInput = "nope" }},
		{"inverted bounds", func(c *Config) { c.Outputs[0].Config.Min, c.Outputs[0].Config.Max = 0.5, -0.5 }},
		{"wavelength", func(c *Config) { c.Wavelength = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
}

func TestMonitor(t *testing.T) {
	l, board := newTestLockbox(t, sim.Options{Demodulators: 1, Scopes: 1}, testConfig(), Options{})
	in := mustInput(t, l, "pfd_signal")
	if _, err := l.Monitor(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := in.Setup(DefaultInputConfig(KindPFD)); err != nil {
		t.Fatal(err)
	}
	if res, err := l.Lock(context.Background()); err != nil || !res.Locked {
		t.Fatalf("Lock = %+v, %v", res, err)
	}

	res, err := l.Monitor(context.Background())
	if err != nil || res == nil {
		t.Fatalf("Monitor = %v, %v", res, err)
	}
	if math.Abs(res.Error) > 0.05 {
		t.Errorf("locked error signal %v too large", res.Error)
	}

	// the actuator drifts away from the lock point
	if err := board.PID(0).SetOffset(0.8); err != nil {
		t.Fatal(err)
	}
	res, err = l.Monitor(context.Background())
	if err != nil || res == nil {
		t.Fatalf("Monitor = %v, %v", res, err)
	}
	if math.Abs(res.Error-0.55) > 1e-9 {
		t.Errorf("error = %v, want 0.55", res.Error)
	}

	board.Scope(0).Stall(true)
	if res, err := l.Monitor(context.Background()); res != nil || err != nil {
		t.Errorf("stalled scope: Monitor = %v, %v", res, err)
	}
	if l.scopes.Available() != 1 {
		t.Error("scope not released")
	}
}
