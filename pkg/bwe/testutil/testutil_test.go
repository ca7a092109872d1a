package testutil

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/bwesim/pkg/sim"
)

func TestStepTrace(t *testing.T) {
	tr := StepTrace("steps",
		Step{Duration: 10 * time.Second, Kbps: 1000},
		Step{Duration: 5 * time.Second, Kbps: 250},
	)
	assert.Equal(t, []sim.CapacitySample{
		{Offset: 0, Kbps: 1000},
		{Offset: 10 * time.Second, Kbps: 250},
		{Offset: 15 * time.Second, Kbps: 250},
	}, tr.Samples)
	assert.Equal(t, 15*time.Second, tr.Duration())
	assert.Equal(t, 1000.0, tr.At(9999*time.Millisecond))
	assert.Equal(t, 250.0, tr.At(time.Minute))

	assert.Panics(t, func() { StepTrace("none") })
	assert.Panics(t, func() { StepTrace("bad", Step{Duration: 0, Kbps: 1}) })
}

func TestConstantTrace(t *testing.T) {
	tr := ConstantTrace("flat", 700, time.Minute)
	assert.Equal(t, "flat", tr.Name)
	assert.Len(t, tr.Samples, 2)
	assert.Equal(t, 700.0, tr.At(30*time.Second))
}

func TestSquareWaveTrace(t *testing.T) {
	tr := SquareWaveTrace("square", 2000, 500, 4*time.Second, 10*time.Second)
	want := []float64{2000, 500, 2000, 500, 2000}
	for i, kbps := range want {
		assert.Equal(t, kbps, tr.At(time.Duration(i)*2*time.Second+time.Second), "segment %d", i)
	}
	assert.Equal(t, 10*time.Second, tr.Duration())
}

func TestRandomWalkTrace(t *testing.T) {
	a := RandomWalkTrace("walk", 3, 1000, 500, 1500, 200, 100*time.Millisecond, 10*time.Second)
	b := RandomWalkTrace("walk", 3, 1000, 500, 1500, 200, 100*time.Millisecond, 10*time.Second)
	c := RandomWalkTrace("walk", 4, 1000, 500, 1500, 200, 100*time.Millisecond, 10*time.Second)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed, different traces (-a +b):\n%s", diff)
	}
	assert.NotEqual(t, a.Samples, c.Samples)
	assert.Len(t, a.Samples, 101)
	assert.Equal(t, 1000.0, a.Samples[0].Kbps)
	for _, s := range a.Samples {
		assert.GreaterOrEqual(t, s.Kbps, 500.0)
		assert.LessOrEqual(t, s.Kbps, 1500.0)
	}
}

func TestOpportunities(t *testing.T) {
	tr := StepTrace("op", Step{Duration: time.Second, Kbps: 1200}, Step{Duration: time.Second, Kbps: 600})
	ms := Opportunities(tr)
	// 1200 kbps is 100 packets of 1500 bytes per second.
	require.Len(t, ms, 150)
	assert.Equal(t, int64(0), ms[0])
	assert.Equal(t, int64(10), ms[1])
	assert.Equal(t, int64(1000), ms[100])

	var buf bytes.Buffer
	require.NoError(t, WriteOpportunities(&buf, ms))
	parsed, err := sim.ParseCapacityTrace("op", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1200.0, parsed.At(500*time.Millisecond))
	assert.Equal(t, 600.0, parsed.At(1500*time.Millisecond))
	assert.Equal(t, 0.0, parsed.At(2*time.Second), "an opportunity trace ends with no capacity")
}

func TestWriteTrace_RoundTrip(t *testing.T) {
	tr := RandomWalkTrace("walk", 1, 800, 100, 2000, 333.3, 250*time.Millisecond, 5*time.Second)

	var buf bytes.Buffer
	require.NoError(t, WriteTrace(&buf, tr))
	assert.True(t, strings.HasPrefix(buf.String(), "# walk\n"))

	parsed, err := sim.ParseCapacityTrace("walk", &buf)
	require.NoError(t, err)
	if diff := cmp.Diff(tr, parsed); diff != "" {
		t.Errorf("round trip changed the trace (-want +got):\n%s", diff)
	}
}

func TestTraceFS(t *testing.T) {
	fsys, err := TraceFS(ConstantTrace("a", 100, time.Second), ConstantTrace("b", 200, time.Second))
	require.NoError(t, err)

	b, err := sim.LoadNamedTrace(fsys, "b", TraceExt)
	require.NoError(t, err)
	assert.Equal(t, 200.0, b.At(0))

	_, err = sim.LoadNamedTrace(fsys, "c", TraceExt)
	assert.ErrorIs(t, err, sim.ErrTraceNotFound)
}

func TestEmbeddedTraces(t *testing.T) {
	assert.Equal(t, []string{"lte", "step_down", "wifi"}, Names())

	step, err := Load("step_down")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, step.At(0))
	assert.Equal(t, 1000.0, step.At(30*time.Second))
	assert.Equal(t, 500.0, step.At(50*time.Second))
	assert.Equal(t, time.Minute, step.Duration())

	wifi, err := Load("wifi")
	require.NoError(t, err)
	assert.Len(t, wifi.Samples, 61)
	for _, s := range wifi.Samples {
		assert.GreaterOrEqual(t, s.Kbps, 800.0)
		assert.LessOrEqual(t, s.Kbps, 3000.0)
	}

	lte, err := Load("lte")
	require.NoError(t, err)
	require.Len(t, lte.Samples, 31, "30 one-second buckets and the end marker")
	for _, s := range lte.Samples[:30] {
		assert.GreaterOrEqual(t, s.Kbps, 960.0)
		assert.LessOrEqual(t, s.Kbps, 3000.0)
	}
	assert.Equal(t, 0.0, lte.Samples[30].Kbps)

	_, err = Load("nope")
	assert.ErrorIs(t, err, sim.ErrTraceNotFound)
}

func TestEmbeddedTrace_DrivesFilter(t *testing.T) {
	s := sim.NewScenario(sim.DefaultConfig())
	defer s.Close()
	f := sim.NewTraceBasedDeliveryFilter(s.Uplink(), sim.AllFlows)
	require.NoError(t, f.LoadTrace(Traces(), "step_down.rx"))
	assert.Equal(t, "step_down.rx", f.Trace().Name)
}
