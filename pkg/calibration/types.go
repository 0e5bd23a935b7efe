package calibration

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyCurve is returned when statistics are requested for an empty curve.
var ErrEmptyCurve = errors.New("cannot compute statistics of an empty curve")

// Stats summarizes one captured curve.
type Stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	RMS  float64 `json:"rms"`
}

// ComputeStats returns min, max, mean and rms of curve.
func ComputeStats(curve []float64) (Stats, error) {
	if len(curve) == 0 {
		return Stats{}, ErrEmptyCurve
	}
	return Stats{
		Min:  floats.Min(curve),
		Max:  floats.Max(curve),
		Mean: stat.Mean(curve, nil),
		RMS:  math.Sqrt(floats.Dot(curve, curve) / float64(len(curve))),
	}, nil
}

// Data is the calibration record of one input.
type Data struct {
	Stats
	// AnalogOffset is subtracted from every capture before statistics are taken.
	AnalogOffset float64 `json:"analogOffset"`
	// Version counts successful calibrations; 0 means never calibrated.
	Version      int       `json:"version"`
	CalibratedAt time.Time `json:"calibratedAt"`
	// CurveID refers to the persisted snapshot of the last calibration, if any.
	CurveID string `json:"curveId,omitempty"`
}

// Calibrated reports whether the record holds statistics from a capture.
func (d Data) Calibrated() bool {
	return d.Version > 0
}

// Apply returns a copy of d carrying s as the newest statistics.
func (d Data) Apply(s Stats, at time.Time) Data {
	d.Stats = s
	d.Version++
	d.CalibratedAt = at
	d.CurveID = ""
	return d
}

// Params returns the record as a flat parameter map, stored next to curve
// snapshots.
func (d Data) Params() map[string]any {
	return map[string]any{
		"min":          d.Min,
		"max":          d.Max,
		"mean":         d.Mean,
		"rms":          d.RMS,
		"analogOffset": d.AnalogOffset,
		"version":      d.Version,
	}
}
