package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/bwesim/internal/clock"
)

// feedSteady sends 1000 byte packets every 10ms over a path with a fixed
// 20ms delay: 800 kbps with no queueing.
func feedSteady(onPacket func(PacketInfo) int64, d time.Duration) int64 {
	var est int64
	for send := time.Duration(0); send < d; send += 10 * time.Millisecond {
		est = onPacket(packetAt(send, send+20*time.Millisecond, 1000))
	}
	return est
}

func TestNewBandwidthEstimator_NilClockPanics(t *testing.T) {
	assert.Panics(t, func() { NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), nil) })
}

func TestBandwidthEstimator_SteadyPathIncreases(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), clk)
	assert.Equal(t, int64(300_000), e.Estimate())

	est := feedSteady(e.OnPacket, 10*time.Second)

	assert.Equal(t, est, e.Estimate())
	assert.Greater(t, est, int64(300_000))
	assert.LessOrEqual(t, est, int64(1_200_000), "never above 1.5x the incoming rate")
	assert.Equal(t, BwNormal, e.CongestionState())
	assert.Equal(t, RateIncrease, e.RateControlState())
	assert.Equal(t, []uint32{0x1234}, e.SSRCs())

	clk.Advance(10 * time.Second)
	incoming, ok := e.IncomingRate()
	require.True(t, ok)
	assert.InDelta(t, 800_000, incoming, 50_000)
}

func TestBandwidthEstimator_BacksOffOnQueueGrowth(t *testing.T) {
	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), clock.NewVirtualClock(testEpoch))

	lowest := e.Estimate()
	for i := range 100 {
		send := time.Duration(i) * 10 * time.Millisecond
		est := e.OnPacket(packetAt(send, send+time.Duration(i)*30*time.Millisecond, 1000))
		lowest = min(lowest, est)
	}
	assert.Less(t, lowest, int64(270_000))
}

func TestBandwidthEstimator_REMB(t *testing.T) {
	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), clock.NewVirtualClock(testEpoch))
	feedSteady(e.OnPacket, 2*time.Second)

	data, ok, err := e.MaybeBuildREMB(testEpoch.Add(2 * time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	remb, err := ParseREMB(data)
	require.NoError(t, err)
	assert.InEpsilon(t, float64(e.Estimate()), float64(remb.Bitrate), 1e-4)
	assert.Equal(t, []uint32{0x1234}, remb.SSRCs)

	_, ok, err = e.MaybeBuildREMB(testEpoch.Add(2100 * time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBandwidthEstimator_Reset(t *testing.T) {
	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), clock.NewVirtualClock(testEpoch))
	feedSteady(e.OnPacket, 3*time.Second)

	e.Reset()
	assert.Equal(t, int64(300_000), e.Estimate())
	assert.Empty(t, e.SSRCs())
	assert.Equal(t, RateHold, e.RateControlState())
	_, ok := e.IncomingRate()
	assert.False(t, ok)
}

func BenchmarkBandwidthEstimator_OnPacket(b *testing.B) {
	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig(), clock.NewVirtualClock(testEpoch))
	b.ReportAllocs()
	for i := 0; b.Loop(); i++ {
		send := time.Duration(i) * time.Millisecond
		e.OnPacket(packetAt(send, send+20*time.Millisecond, 1200))
	}
}
