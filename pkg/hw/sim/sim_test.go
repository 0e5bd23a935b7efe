package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charlie0129/lockbox/pkg/hw"
)

func sweepParams() hw.ScopeParams {
	return hw.ScopeParams{
		Input1:        "iq0",
		Input2:        "out1",
		TriggerSource: "asg0",
		Duration:      10 * time.Millisecond,
		Ch1Active:     true,
		Ch2Active:     true,
		Average:       true,
		TraceAverage:  1,
		RunningState:  "stopped",
	}
}

func TestScopeCurveAfterTrigger(t *testing.T) {
	b := New(Options{Scopes: 1, Samples: 100, AnalogOffset: 0.5})
	if err := b.ASG().Setup(hw.SweepParams{Waveform: "ramp", Frequency: 100, Amplitude: 1}); err != nil {
		t.Fatal(err)
	}
	s := b.Scope(0)
	if err := s.Setup(sweepParams()); err != nil {
		t.Fatal(err)
	}
	if err := b.ASG().Trigger(); err != nil {
		t.Fatal(err)
	}

	ch1, ch2, err := s.Curve(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Curve failed: %v", err)
	}
	if len(ch1) != 100 || len(ch2) != 100 || len(s.Times()) != 100 {
		t.Fatalf("unexpected lengths %d %d %d", len(ch1), len(ch2), len(s.Times()))
	}
	// ramp starts at -amplitude, plant is sin(2*pi*x) so sin(-2*pi) = 0
	if ch2[0] != -1 {
		t.Errorf("ch2[0] = %v, want -1", ch2[0])
	}
	if d := ch1[0] - 0.5; d > 1e-9 || d < -1e-9 {
		t.Errorf("ch1[0] = %v, want analog offset 0.5", ch1[0])
	}
}

func TestScopeCurveTimeout(t *testing.T) {
	b := New(Options{Scopes: 1, Samples: 10})
	_ = b.ASG().Setup(hw.SweepParams{Waveform: "ramp", Frequency: 100, Amplitude: 1})
	s := b.Scope(0)
	_ = s.Setup(sweepParams())

	// never triggered
	_, _, err := s.Curve(context.Background(), 10*time.Millisecond)
	var cte *hw.CaptureTimeoutError
	if !errors.As(err, &cte) {
		t.Fatalf("expected CaptureTimeoutError, got %v", err)
	}

	s.Stall(true)
	_ = b.ASG().Trigger()
	_, _, err = s.Curve(context.Background(), 10*time.Millisecond)
	if !errors.As(err, &cte) {
		t.Fatalf("expected CaptureTimeoutError while stalled, got %v", err)
	}

	s.Stall(false)
	if _, _, err := s.Curve(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Curve after unstall failed: %v", err)
	}
}

func TestScopeStates(t *testing.T) {
	b := New(Options{Scopes: 1})
	s := b.Scope(0)

	if err := s.SaveState("autosweep"); err == nil {
		t.Fatal("saving an unconfigured scope should fail")
	}
	if err := s.Setup(sweepParams()); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveState("autosweep"); err != nil {
		t.Fatal(err)
	}
	if !s.HasState("autosweep") || s.HasState("sweep") {
		t.Fatal("unexpected state set")
	}
	if err := s.LoadState("sweep"); err == nil {
		t.Fatal("loading a missing state should fail")
	}
	if err := s.LoadState("autosweep"); err != nil {
		t.Fatal(err)
	}
	if s.Duration() != 10*time.Millisecond {
		t.Errorf("Duration = %s", s.Duration())
	}
}

func TestIQFailSetup(t *testing.T) {
	b := New(Options{Demodulators: 1})
	iq := b.IQ(0)
	iq.FailSetup = errors.New("register write failed")

	if err := iq.Setup(hw.IQParams{Frequency: 1e6}); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := iq.Setup(hw.IQParams{Frequency: 1e6}); err != nil {
		t.Fatal(err)
	}
	if iq.Setups() != 1 || iq.Params().Frequency != 1e6 {
		t.Errorf("unexpected state %d %+v", iq.Setups(), iq.Params())
	}
}
