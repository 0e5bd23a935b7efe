// Package calibration holds the statistics derived from a sweep capture of
// an input signal. It contains:
//
//   - Stats: min, max, mean and rms of one captured curve
//   - Data: the calibration record of one input, versioned per capture
//   - Store: the records of every input, persisted to a JSON state file
//
// A record with Version 0 was never calibrated, which is distinct from a
// record calibrated to all-zero statistics.
package calibration
