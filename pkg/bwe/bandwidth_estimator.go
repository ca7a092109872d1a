package bwe

import (
	"errors"
	"slices"
	"time"

	"github.com/thesyncim/bwesim/internal/clock"
)

// ErrNoREMB is returned by ParseREMB when the buffer holds no REMB packet.
var ErrNoREMB = errors.New("bwe: no REMB in RTCP packet")

// BandwidthEstimatorConfig configures the receiver-side estimator.
type BandwidthEstimatorConfig struct {
	DelayConfig          DelayEstimatorConfig
	RateStatsConfig      RateStatsConfig
	RateControllerConfig RateControllerConfig
	REMBConfig           REMBSchedulerConfig
}

// DefaultBandwidthEstimatorConfig returns default configuration.
func DefaultBandwidthEstimatorConfig() BandwidthEstimatorConfig {
	return BandwidthEstimatorConfig{
		DelayConfig:          DefaultDelayEstimatorConfig(),
		RateStatsConfig:      DefaultRateStatsConfig(),
		RateControllerConfig: DefaultRateControllerConfig(),
		REMBConfig:           DefaultREMBSchedulerConfig(),
	}
}

// BandwidthEstimator is the receiver-side (REMB) estimator: delay-based
// detection plus AIMD control over the measured incoming rate. The result
// reaches the sender through REMB packets built by MaybeBuildREMB.
type BandwidthEstimator struct {
	config         BandwidthEstimatorConfig
	clock          clock.Clock
	delayEstimator *DelayEstimator
	rateStats      *RateStats
	rateController *RateController
	remb           *REMBScheduler

	estimate int64
	ssrcs    map[uint32]struct{}
}

// NewBandwidthEstimator creates a receiver-side estimator reading time from clk.
func NewBandwidthEstimator(config BandwidthEstimatorConfig, clk clock.Clock) *BandwidthEstimator {
	if clk == nil {
		panic("NewBandwidthEstimator: nil clock")
	}
	rc := NewRateController(config.RateControllerConfig)
	return &BandwidthEstimator{
		config:         config,
		clock:          clk,
		delayEstimator: NewDelayEstimator(config.DelayConfig),
		rateStats:      NewRateStats(config.RateStatsConfig),
		rateController: rc,
		remb:           NewREMBScheduler(config.REMBConfig),
		estimate:       rc.Estimate(),
		ssrcs:          make(map[uint32]struct{}),
	}
}

// OnPacket processes one received packet and returns the estimate in bps.
func (e *BandwidthEstimator) OnPacket(pkt PacketInfo) int64 {
	e.ssrcs[pkt.SSRC] = struct{}{}
	e.rateStats.Update(int64(pkt.Size), pkt.ArrivalTime)
	signal := e.delayEstimator.OnPacket(pkt)

	incoming, ok := e.rateStats.Rate(pkt.ArrivalTime)
	if !ok {
		return e.estimate
	}
	e.estimate = e.rateController.Update(signal, incoming, pkt.ArrivalTime)
	return e.estimate
}

// MaybeBuildREMB returns a marshaled REMB when the scheduler says one is due.
func (e *BandwidthEstimator) MaybeBuildREMB(now time.Time) ([]byte, bool, error) {
	return e.remb.MaybeBuild(e.estimate, e.SSRCs(), now)
}

// Estimate returns the current estimate in bps.
func (e *BandwidthEstimator) Estimate() int64 {
	return e.estimate
}

// SSRCs returns the sorted SSRCs seen so far.
func (e *BandwidthEstimator) SSRCs() []uint32 {
	out := make([]uint32, 0, len(e.ssrcs))
	for ssrc := range e.ssrcs {
		out = append(out, ssrc)
	}
	slices.Sort(out)
	return out
}

// CongestionState returns the detector's current signal.
func (e *BandwidthEstimator) CongestionState() BandwidthUsage {
	return e.delayEstimator.State()
}

// RateControlState returns the AIMD state.
func (e *BandwidthEstimator) RateControlState() RateControlState {
	return e.rateController.State()
}

// IncomingRate returns the measured incoming bitrate.
func (e *BandwidthEstimator) IncomingRate() (int64, bool) {
	return e.rateStats.Rate(e.clock.Now())
}

// Reset restores the initial state.
func (e *BandwidthEstimator) Reset() {
	e.delayEstimator.Reset()
	e.rateStats.Reset()
	e.rateController.Reset()
	e.remb.Reset()
	e.estimate = e.rateController.Estimate()
	clear(e.ssrcs)
}
