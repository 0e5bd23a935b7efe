package lockbox

import (
	"fmt"
	"math"

	"github.com/charlie0129/lockbox/pkg/calibration"
)

// InputStatus is a snapshot of one input.
type InputStatus struct {
	Name        string           `json:"name"`
	Kind        InputKind        `json:"kind"`
	State       State            `json:"state"`
	Unit        string           `json:"unit,omitempty"`
	Signal      string           `json:"signal,omitempty"`
	Config      InputConfig      `json:"config"`
	Calibration calibration.Data `json:"calibration"`
}

// OutputStatus is a snapshot of one output.
type OutputStatus struct {
	Name   string       `json:"name"`
	Offset float64      `json:"offset"`
	Config OutputConfig `json:"config"`
}

// Status is a snapshot of the whole lockbox.
type Status struct {
	Locked     bool                         `json:"locked"`
	LockReason string                       `json:"lockReason,omitempty"`
	Wavelength float64                      `json:"wavelength"`
	Inputs     []InputStatus                `json:"inputs"`
	Outputs    []OutputStatus               `json:"outputs"`
	Leases     map[string]map[string]string `json:"leases"`
}

// Status returns a snapshot of inputs, outputs and pool leases.
func (l *Lockbox) Status() Status {
	l.mu.RLock()
	s := Status{
		Locked:     l.locked,
		LockReason: l.lockReason,
		Wavelength: l.config.Wavelength,
	}
	l.mu.RUnlock()

	for _, in := range l.Inputs() {
		s.Inputs = append(s.Inputs, InputStatus{
			Name:        in.Name(),
			Kind:        in.Kind(),
			State:       in.State(),
			Unit:        in.Unit(),
			Signal:      in.Signal(),
			Config:      in.Config(),
			Calibration: in.Calibration(),
		})
	}
	for _, out := range l.Outputs() {
		s.Outputs = append(s.Outputs, OutputStatus{
			Name:   out.Name(),
			Offset: out.Offset(),
			Config: out.Config(),
		})
	}
	s.Leases = map[string]map[string]string{
		string(l.iqs.Kind()):    l.iqs.Leases(),
		string(l.scopes.Kind()): l.scopes.Leases(),
	}
	return s
}

// ToMeters converts a displacement given in unit into meters. Phase units are
// converted with the current wavelength.
func (l *Lockbox) ToMeters(v float64, unit string) (float64, error) {
	switch unit {
	case "m":
		return v, nil
	case "nm":
		return v * 1e-9, nil
	case "deg":
		return v * l.DegInMeters(), nil
	case "rad":
		return v * l.RadInMeters(), nil
	}
	return math.NaN(), fmt.Errorf("unknown unit %q", unit)
}
