// Package property describes bounded configuration values. A value is checked
// against its declaration when it is assigned and is never clamped silently.
package property

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// RangeError is returned when a value violates the declared bounds of a property.
type RangeError struct {
	Property string
	Value    any
	Min      float64
	Max      float64
	Options  []string
}

func (e *RangeError) Error() string {
	if len(e.Options) > 0 {
		return fmt.Sprintf("%s: %v is not one of [%s]", e.Property, e.Value, strings.Join(e.Options, ", "))
	}
	return fmt.Sprintf("%s: %v is out of range [%g, %g]", e.Property, e.Value, e.Min, e.Max)
}

// Float is a bounded floating point property.
type Float struct {
	Name      string
	Min       float64
	Max       float64
	Default   float64
	Increment float64
}

// Validate returns a *RangeError if v is outside [Min, Max] or not a number.
func (p Float) Validate(v float64) error {
	if math.IsNaN(v) || v < p.Min || v > p.Max {
		return &RangeError{Property: p.Name, Value: v, Min: p.Min, Max: p.Max}
	}
	return nil
}

// Round snaps v onto the increment grid. Properties without an increment
// return v unchanged.
func (p Float) Round(v float64) float64 {
	if p.Increment <= 0 {
		return v
	}
	return math.Round(v/p.Increment) * p.Increment
}

// Clamp limits v to [Min, Max]. It is meant for actuator writes only; user
// supplied configuration goes through Validate.
func (p Float) Clamp(v float64) (float64, bool) {
	switch {
	case v < p.Min:
		return p.Min, true
	case v > p.Max:
		return p.Max, true
	}
	return v, false
}

// Select is a property that takes one of a fixed set of options.
type Select struct {
	Name    string
	Options []string
	Default string
}

// Validate returns a *RangeError if v is not one of the options.
func (p Select) Validate(v string) error {
	if !slices.Contains(p.Options, v) {
		return &RangeError{Property: p.Name, Value: v, Options: p.Options}
	}
	return nil
}
