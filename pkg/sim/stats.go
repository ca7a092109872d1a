package sim

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"
)

// ErrNoData is returned by statistics queries on an empty series.
var ErrNoData = errors.New("sim: no data")

// Accumulator keeps the running count, mean and variance of a scalar series
// using Welford's streaming update. Add is the only mutation.
type Accumulator struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Add records one sample.
func (a *Accumulator) Add(x float64) {
	a.count++
	if a.count == 1 {
		a.min, a.max = x, x
	} else {
		a.min = math.Min(a.min, x)
		a.max = math.Max(a.max, x)
	}
	delta := x - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (x - a.mean)
}

// Count returns the number of samples.
func (a *Accumulator) Count() int64 {
	return a.count
}

// Mean returns the sample mean. ok is false when no sample was added.
func (a *Accumulator) Mean() (mean float64, ok bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.mean, true
}

// Variance returns the population variance.
func (a *Accumulator) Variance() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.m2 / float64(a.count), true
}

// StdDev returns the population standard deviation.
func (a *Accumulator) StdDev() (float64, bool) {
	v, ok := a.Variance()
	return math.Sqrt(v), ok
}

// Min returns the smallest sample.
func (a *Accumulator) Min() (float64, bool) {
	return a.min, a.count > 0
}

// Max returns the largest sample.
func (a *Accumulator) Max() (float64, bool) {
	return a.max, a.count > 0
}

// Summary is a snapshot of an Accumulator.
type Summary struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary returns a snapshot, or ErrNoData when empty.
func (a *Accumulator) Summary() (Summary, error) {
	if a.count == 0 {
		return Summary{}, ErrNoData
	}
	sd, _ := a.StdDev()
	return Summary{
		Count:  a.count,
		Mean:   a.mean,
		StdDev: sd,
		Min:    a.min,
		Max:    a.max,
	}, nil
}

// Series is an Accumulator that also retains its samples so percentiles
// can be computed.
type Series struct {
	Accumulator
	samples []float64
}

// Add records one sample.
func (s *Series) Add(x float64) {
	s.Accumulator.Add(x)
	s.samples = append(s.samples, x)
}

// Percentile returns the p-th percentile (0 < p <= 100).
func (s *Series) Percentile(p float64) (float64, error) {
	if len(s.samples) == 0 {
		return 0, ErrNoData
	}
	return stats.Percentile(s.samples, p)
}

// Samples returns a copy of the recorded samples in insertion order.
func (s *Series) Samples() []float64 {
	return append([]float64(nil), s.samples...)
}
