package property

import (
	"errors"
	"math"
	"testing"
)

func TestFloatValidate(t *testing.T) {
	p := Float{Name: "bandwidth", Min: 0, Max: 100, Default: 10}

	tests := []struct {
		name    string
		value   float64
		wantErr bool
	}{
		{name: "lower bound", value: 0},
		{name: "upper bound", value: 100},
		{name: "inside", value: 42.5},
		{name: "below", value: -0.1, wantErr: true},
		{name: "above", value: 100.1, wantErr: true},
		{name: "nan", value: math.NaN(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var re *RangeError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RangeError, got %T", err)
			}
			if re.Property != "bandwidth" {
				t.Errorf("RangeError.Property = %q, want bandwidth", re.Property)
			}
		})
	}
}

func TestFloatClampAndRound(t *testing.T) {
	p := Float{Name: "offset", Min: -1, Max: 1, Increment: 0.25}

	if v, clamped := p.Clamp(2); v != 1 || !clamped {
		t.Errorf("Clamp(2) = %v, %v", v, clamped)
	}
	if v, clamped := p.Clamp(-3); v != -1 || !clamped {
		t.Errorf("Clamp(-3) = %v, %v", v, clamped)
	}
	if v, clamped := p.Clamp(0.3); v != 0.3 || clamped {
		t.Errorf("Clamp(0.3) = %v, %v", v, clamped)
	}
	if got := p.Round(0.3); got != 0.25 {
		t.Errorf("Round(0.3) = %v, want 0.25", got)
	}
	if got := (Float{}).Round(0.3); got != 0.3 {
		t.Errorf("Round without increment = %v", got)
	}
}

func TestSelectValidate(t *testing.T) {
	p := Select{Name: "input", Options: []string{"in1", "in2"}, Default: "in1"}
	if err := p.Validate("in2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := p.Validate("in3")
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RangeError, got %v", err)
	}
	if len(re.Options) != 2 {
		t.Errorf("options not reported: %v", re.Options)
	}
}
