// Package calibration runs the iterative vision calibration of a feeder and
// keeps the running error statistics used for confidence-gated calibration.
package calibration

import (
	"fmt"
	"math"
)

// ConfidenceFactor is the one-sided 95% normal quantile.
const ConfidenceFactor = 1.64

// Statistics accumulates calibration errors (mm).
type Statistics struct {
	Count      int     `json:"count" yaml:"count"`
	SumErrors  float64 `json:"sum_errors" yaml:"sum_errors"`
	SumSquares float64 `json:"sum_squares" yaml:"sum_squares"`
}

// Add records one calibration error.
func (s *Statistics) Add(errMm float64) {
	errMm = math.Abs(errMm)
	s.Count++
	s.SumErrors += errMm
	s.SumSquares += errMm * errMm
}

// Reset clears the statistics.
func (s *Statistics) Reset() {
	*s = Statistics{}
}

// Average returns the mean error, 0 when empty.
func (s Statistics) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumErrors / float64(s.Count)
}

// Variance returns SumSquares/(Count-1), the spread of errors around zero.
func (s Statistics) Variance() float64 {
	if s.Count < 2 {
		return math.Inf(1)
	}
	return s.SumSquares / float64(s.Count-1)
}

// ConfidenceBound returns the 95% confidence half-width of the error. It is
// +Inf until at least two errors were recorded.
func (s Statistics) ConfidenceBound() float64 {
	if s.Count < 2 {
		return math.Inf(1)
	}
	return ConfidenceFactor * math.Sqrt(s.Variance()/math.Sqrt(float64(s.Count)))
}

// String formats the statistics for the command line tools.
func (s Statistics) String() string {
	if s.Count < 2 {
		return fmt.Sprintf("n=%d avg=%.3fmm", s.Count, s.Average())
	}
	return fmt.Sprintf("n=%d avg=%.3fmm ±%.3fmm", s.Count, s.Average(), s.ConfidenceBound())
}
