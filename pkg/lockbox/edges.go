package lockbox

import "errors"

// ErrNoCrossing is returned when a curve has no positive edge.
var ErrNoCrossing = errors.New("no crossing found")

// Edges scans every pair of adjacent samples and returns the indices i where
// sign(x[i+1]) - sign(x[i]) is positive and negative respectively. Zero has
// sign 0, so a curve touching zero produces an edge on each side of it.
func Edges(x []float64) (positive, negative []int) {
	for i := 0; i+1 < len(x); i++ {
		d := sign(x[i+1]) - sign(x[i])
		switch {
		case d > 0:
			positive = append(positive, i)
		case d < 0:
			negative = append(negative, i)
		}
	}
	return positive, negative
}

// FirstPositiveEdge returns the first index of Edges' positive set.
func FirstPositiveEdge(x []float64) (int, error) {
	positive, _ := Edges(x)
	if len(positive) == 0 {
		return 0, ErrNoCrossing
	}
	return positive[0], nil
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
