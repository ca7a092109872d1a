package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_Empty(t *testing.T) {
	var a Accumulator

	_, ok := a.Mean()
	assert.False(t, ok, "empty accumulator must report no data")
	_, ok = a.Variance()
	assert.False(t, ok)
	_, ok = a.Min()
	assert.False(t, ok)

	_, err := a.Summary()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestAccumulator_MeanIsOrderIndependent(t *testing.T) {
	orders := [][]float64{
		{10, 20, 30},
		{30, 10, 20},
		{20, 30, 10},
		{30, 20, 10},
	}
	for _, order := range orders {
		var a Accumulator
		for _, x := range order {
			a.Add(x)
		}
		mean, ok := a.Mean()
		require.True(t, ok)
		assert.InDelta(t, 20.0, mean, 1e-12, "order %v", order)

		// Population variance of {10,20,30} is 200/3.
		v, _ := a.Variance()
		assert.InDelta(t, 200.0/3, v, 1e-9)
	}
}

func TestAccumulator_Summary(t *testing.T) {
	var a Accumulator
	for _, x := range []float64{4, 8, 6, 2} {
		a.Add(x)
	}

	s, err := a.Summary()
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5), s.StdDev, 1e-12)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 8.0, s.Max)
}

func TestAccumulator_SingleSample(t *testing.T) {
	var a Accumulator
	a.Add(42)

	sd, ok := a.StdDev()
	assert.True(t, ok)
	assert.Zero(t, sd)
}

func TestSeries_Percentile(t *testing.T) {
	var s Series
	_, err := s.Percentile(50)
	assert.ErrorIs(t, err, ErrNoData)

	for i := 1; i <= 100; i++ {
		s.Add(float64(i))
	}
	p50, err := s.Percentile(50)
	require.NoError(t, err)
	assert.InDelta(t, 50, p50, 1)

	p99, err := s.Percentile(99)
	require.NoError(t, err)
	assert.InDelta(t, 99, p99, 1)

	assert.Len(t, s.Samples(), 100)
	mean, _ := s.Mean()
	assert.InDelta(t, 50.5, mean, 1e-9)
}
