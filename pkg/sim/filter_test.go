package sim

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Flow selection
// =============================================================================

func TestFlowSet(t *testing.T) {
	assert.True(t, AllFlows.Contains(7))
	assert.True(t, AllFlows.All())
	assert.Equal(t, "all", AllFlows.String())

	set := Flows(3, 1, 3)
	assert.True(t, set.Contains(1))
	assert.True(t, set.Contains(3))
	assert.False(t, set.Contains(2))
	assert.Equal(t, "[1,3]", set.String())
}

func TestFilter_OtherFlowsPassUntouched(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 1000, 10*time.Millisecond, 50)
	newConstantSender(s, 1, 1000, 10*time.Millisecond, 50)
	delay := NewDelayFilter(s.Uplink(), Flows(0))
	delay.SetDelay(100 * time.Millisecond)
	r0 := newCaptureReceiver(s, 0)
	r1 := newCaptureReceiver(s, 1)

	s.RunFor(time.Second)

	require.Len(t, r0.log, 50)
	require.Len(t, r1.log, 50)
	for i := range 50 {
		assert.Equal(t, r0.log[i].SendTime+100*time.Millisecond, r0.log[i].At)
		assert.Equal(t, r1.log[i].SendTime, r1.log[i].At, "flow 1 must not be delayed")
	}
}

// =============================================================================
// Loss
// =============================================================================

func TestLossFilter_ConvergesToProbability(t *testing.T) {
	const n = 20000
	s := newTestScenario(t, 7)
	newBurstSender(s, 0, 100, 10, n/10)
	loss := NewLossFilter(s.Uplink(), AllFlows)
	loss.SetLoss(20)
	r := newCaptureReceiver(s, 0)

	s.RunFor(time.Duration(n/10+1) * time.Millisecond)

	lost := n - len(r.log)
	assert.Equal(t, int64(lost), loss.Dropped())
	assert.InDelta(t, 0.20, float64(lost)/n, 0.02, "loss fraction should converge to 20%%")
}

func TestLossFilter_Extremes(t *testing.T) {
	for _, tc := range []struct {
		percent float64
		want    int
	}{
		{0, 100},
		{100, 0},
	} {
		s := newTestScenario(t, 1)
		newBurstSender(s, 0, 100, 10, 10)
		loss := NewLossFilter(s.Uplink(), AllFlows)
		loss.SetLoss(tc.percent)
		r := newCaptureReceiver(s, 0)
		s.RunFor(20 * time.Millisecond)
		assert.Len(t, r.log, tc.want, "loss %v%%", tc.percent)
	}
}

func TestLossFilter_PanicsOutOfRange(t *testing.T) {
	s := newTestScenario(t, 1)
	loss := NewLossFilter(s.Uplink(), AllFlows)
	assert.Panics(t, func() { loss.SetLoss(-1) })
	assert.Panics(t, func() { loss.SetLoss(101) })
	assert.NotPanics(t, func() { loss.SetLoss(100) })
}

// =============================================================================
// Delay and jitter
// =============================================================================

func TestDelayFilter_ConstantDelay(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 500, 10*time.Millisecond, 100)
	delay := NewDelayFilter(s.Uplink(), AllFlows)
	delay.SetDelayMs(100)
	r := newCaptureReceiver(s, 0)

	s.RunFor(2 * time.Second)

	require.Len(t, r.log, 100)
	for i, e := range r.log {
		assert.Equal(t, uint64(i), e.Seq, "order must be preserved")
		assert.Equal(t, e.SendTime+100*time.Millisecond, e.At)
	}
}

func TestDelayFilter_DecreaseNeverReorders(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 500, 5*time.Millisecond, 400)
	delay := NewDelayFilter(s.Uplink(), AllFlows)
	r := newCaptureReceiver(s, 0)

	delay.SetDelay(500 * time.Millisecond)
	s.RunFor(time.Second)
	delay.SetDelay(0)
	s.RunFor(2 * time.Second)

	require.Len(t, r.log, 400)
	for i := 1; i < len(r.log); i++ {
		assert.Greater(t, r.log[i].Seq, r.log[i-1].Seq)
		assert.GreaterOrEqual(t, r.log[i].At, r.log[i-1].At)
	}
}

func TestDelayFilter_PanicsOnNegative(t *testing.T) {
	s := newTestScenario(t, 1)
	delay := NewDelayFilter(s.Uplink(), AllFlows)
	assert.Panics(t, func() { delay.SetDelay(-time.Millisecond) })
	assert.Panics(t, func() { delay.SetDelayMs(-1) })
}

func TestJitterFilter_BoundedAndOrdered(t *testing.T) {
	const jitter = 20 * time.Millisecond
	s := newTestScenario(t, 3)
	newConstantSender(s, 0, 500, 5*time.Millisecond, 2000)
	j := NewJitterFilter(s.Uplink(), AllFlows)
	j.SetJitter(20)
	r := newCaptureReceiver(s, 0)

	s.RunFor(11 * time.Second)

	require.Len(t, r.log, 2000)
	var delayed int
	for i, e := range r.log {
		extra := e.At - e.SendTime
		assert.GreaterOrEqual(t, extra, time.Duration(0), "jitter must never be negative")
		assert.LessOrEqual(t, extra, jitter)
		if extra > 0 {
			delayed++
		}
		if i > 0 {
			assert.Greater(t, e.Seq, r.log[i-1].Seq, "jitter alone must not reorder")
		}
	}
	assert.Greater(t, delayed, 1000, "most packets should see some jitter")
}

func TestJitterFilter_PanicsOnNegative(t *testing.T) {
	s := newTestScenario(t, 1)
	j := NewJitterFilter(s.Uplink(), AllFlows)
	assert.Panics(t, func() { j.SetJitter(-0.5) })
}

// =============================================================================
// Reorder
// =============================================================================

func TestReorderFilter_NeverLosesOrDuplicates(t *testing.T) {
	s := newTestScenario(t, 11)
	newBurstSender(s, 0, 100, 5, 1000)
	reorder := NewReorderFilter(s.Uplink(), AllFlows)
	reorder.SetReorder(50)
	r := newCaptureReceiver(s, 0)

	s.RunFor(1100 * time.Millisecond)

	require.Len(t, r.log, 5000)
	seqs := make([]uint64, len(r.log))
	var outOfOrder int
	for i, e := range r.log {
		seqs[i] = e.Seq
		assert.GreaterOrEqual(t, e.At, e.SendTime, "never delivered before it was sent")
		if i > 0 {
			assert.GreaterOrEqual(t, e.At, r.log[i-1].At)
			if e.Seq < r.log[i-1].Seq {
				outOfOrder++
			}
		}
	}
	slices.Sort(seqs)
	for i, seq := range seqs {
		require.Equal(t, uint64(i), seq)
	}
	assert.Positive(t, outOfOrder)
	assert.Positive(t, reorder.Swaps())
}

func TestReorderFilter_SwapTakesLaterTime(t *testing.T) {
	s := newTestScenario(t, 1)
	reorder := NewReorderFilter(s.Uplink(), AllFlows)
	reorder.SetReorder(100)
	r := newCaptureReceiver(s, 0)

	reorder.Deliver(Packet{Flow: 0, Sequence: 0, Size: 100}, 200*time.Microsecond)
	reorder.Deliver(Packet{Flow: 0, Sequence: 1, Size: 100}, 700*time.Microsecond)
	s.RunFor(time.Millisecond)

	require.Len(t, r.log, 2)
	assert.Equal(t, uint64(1), r.log[0].Seq)
	assert.Equal(t, uint64(0), r.log[1].Seq)
	for _, e := range r.log {
		assert.Equal(t, 700*time.Microsecond, e.At, "seq %d", e.Seq)
	}
	assert.Equal(t, int64(1), reorder.Swaps())
}

func TestReorderFilter_ZeroPercentKeepsOrder(t *testing.T) {
	s := newTestScenario(t, 11)
	newBurstSender(s, 0, 100, 5, 100)
	NewReorderFilter(s.Uplink(), AllFlows)
	r := newCaptureReceiver(s, 0)

	s.RunFor(200 * time.Millisecond)

	require.Len(t, r.log, 500)
	for i, e := range r.log {
		assert.Equal(t, uint64(i), e.Seq)
	}
}

// =============================================================================
// Choke
// =============================================================================

func TestChokeFilter_RespectsCapacity(t *testing.T) {
	const (
		capacity = 1000.0 // kbps
		size     = 1000   // bytes, 8ms at capacity
	)
	s := newTestScenario(t, 1)
	// 2000 kbps offered.
	newConstantSender(s, 0, size, 4*time.Millisecond, 2500)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	choke.SetCapacity(capacity)
	r := newCaptureReceiver(s, 0)

	s.RunFor(10 * time.Second)

	require.NotEmpty(t, r.log)
	tx := transmissionTime(size, capacity)
	for i := 1; i < len(r.log); i++ {
		assert.GreaterOrEqual(t, r.log[i].At-r.log[i-1].At, tx, "transmissions must not overlap")
	}
	maxBytes := int64(capacity*1000/8*10) + size
	assert.LessOrEqual(t, r.bytes(), maxBytes)
	assert.Positive(t, choke.QueueLength(), "an overloaded link keeps a backlog")
}

func TestChokeFilter_MaxDelay(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 1000, 4*time.Millisecond, 2500)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	choke.SetCapacity(1000)
	choke.SetMaxDelayMs(500)
	r := newCaptureReceiver(s, 0)

	s.RunFor(11 * time.Second)

	require.NotEmpty(t, r.log)
	for _, e := range r.log {
		assert.LessOrEqual(t, e.At-e.SendTime, 500*time.Millisecond, "no packet may exceed the max delay")
	}
	assert.Positive(t, choke.Dropped())
	assert.Equal(t, int64(2500), choke.Dropped()+int64(len(r.log)))
}

func TestChokeFilter_Uncongested(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 1000, 10*time.Millisecond, 100)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	choke.SetCapacity(8000) // 1ms per packet
	r := newCaptureReceiver(s, 0)

	s.RunFor(2 * time.Second)

	require.Len(t, r.log, 100)
	for _, e := range r.log {
		assert.Equal(t, e.SendTime+time.Millisecond, e.At)
	}
}

func TestChokeFilter_ZeroCapacityStallsThenDrops(t *testing.T) {
	s := newTestScenario(t, 1)
	newBurstSender(s, 0, 1000, 10, 1)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	choke.SetCapacity(0)
	choke.SetMaxDelay(100 * time.Millisecond)
	r := newCaptureReceiver(s, 0)

	s.RunFor(50 * time.Millisecond)
	assert.Empty(t, r.log)
	assert.Zero(t, choke.Dropped())
	assert.Equal(t, 10, choke.QueueLength())

	s.RunFor(100 * time.Millisecond)
	assert.Empty(t, r.log)
	assert.Equal(t, int64(10), choke.Dropped())
	assert.Zero(t, choke.QueueLength())
}

func TestChokeFilter_CapacityChangeAppliesToQueue(t *testing.T) {
	s := newTestScenario(t, 1)
	newBurstSender(s, 0, 1000, 100, 1)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	r := newCaptureReceiver(s, 0)

	s.RunFor(100 * time.Millisecond)
	assert.Empty(t, r.log, "zero capacity holds everything")

	choke.SetCapacity(8000)
	s.RunFor(200 * time.Millisecond)
	assert.Len(t, r.log, 100)
}

func TestChokeFilter_Panics(t *testing.T) {
	s := newTestScenario(t, 1)
	choke := NewChokeFilter(s.Uplink(), AllFlows)
	assert.Panics(t, func() { choke.SetCapacity(-1) })
	assert.Panics(t, func() { choke.SetMaxDelay(-time.Millisecond) })

	choke.SetMaxDelayMs(250)
	d, ok := choke.MaxDelay()
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
	choke.ClearMaxDelay()
	_, ok = choke.MaxDelay()
	assert.False(t, ok)
}

// =============================================================================
// Rate counter
// =============================================================================

func TestRateCounterFilter_MeasuresThroughput(t *testing.T) {
	s := newTestScenario(t, 1)
	// 1000 bytes every 10ms = 800 kbps.
	newConstantSender(s, 0, 1000, 10*time.Millisecond, 600)
	counter := NewRateCounterFilter(s.Uplink(), AllFlows, "total")
	r := newCaptureReceiver(s, 0)

	s.RunFor(5 * time.Second)

	got, ok := s.Counter("total")
	require.True(t, ok)
	assert.Same(t, counter, got)
	_, ok = s.Counter("missing")
	assert.False(t, ok)

	stats := counter.GetBitrateStats()
	require.Positive(t, stats.Count())
	mean, _ := stats.Mean()
	assert.InDelta(t, 800, mean, 10)
	assert.Equal(t, int64(len(r.log)), counter.Packets())
	assert.Equal(t, map[FlowID]int64{0: counter.Bytes()}, counter.BytesByFlow())

	delayMean, ok := counter.GetDelayStats().Mean()
	require.True(t, ok)
	assert.Zero(t, delayMean, "nothing delays packets before the counter")
}

func TestRateCounterFilter_NoSamplesBeforeFullWindow(t *testing.T) {
	s := newTestScenario(t, 1)
	newConstantSender(s, 0, 1000, 10*time.Millisecond, 100)
	counter := NewRateCounterFilter(s.Uplink(), AllFlows, "")
	newCaptureReceiver(s, 0)

	s.RunFor(900 * time.Millisecond)
	_, ok := counter.GetBitrateStats().Mean()
	assert.False(t, ok)
	assert.Equal(t, "counter-0", counter.Name())
}

func TestRateCounterFilter_DuplicateLabelPanics(t *testing.T) {
	s := newTestScenario(t, 1)
	NewRateCounterFilter(s.Uplink(), AllFlows, "x")
	assert.Panics(t, func() { NewRateCounterFilter(s.Uplink(), AllFlows, "x") })
}
