package bwe

import (
	"math"
	"time"
)

// LossBasedConfig configures the loss-based controller of the send-side estimator.
type LossBasedConfig struct {
	// LowLossThreshold is the loss fraction below which the rate grows by 8%
	// per second.
	LowLossThreshold float64
	// HighLossThreshold is the loss fraction above which the rate is cut
	// by half the loss fraction.
	HighLossThreshold float64
	// DecreaseInterval is the minimum time between two loss-based decreases.
	DecreaseInterval time.Duration
}

// DefaultLossBasedConfig returns the GCC thresholds: 2% and 10%, 300ms.
func DefaultLossBasedConfig() LossBasedConfig {
	return LossBasedConfig{
		LowLossThreshold:  0.02,
		HighLossThreshold: 0.10,
		DecreaseInterval:  300 * time.Millisecond,
	}
}

// SendSideConfig configures the send-side estimator.
type SendSideConfig struct {
	DelayConfig          DelayEstimatorConfig
	RateStatsConfig      RateStatsConfig
	RateControllerConfig RateControllerConfig
	LossConfig           LossBasedConfig
}

// DefaultSendSideConfig returns default configuration.
func DefaultSendSideConfig() SendSideConfig {
	return SendSideConfig{
		DelayConfig:          DefaultDelayEstimatorConfig(),
		RateStatsConfig:      DefaultRateStatsConfig(),
		RateControllerConfig: DefaultRateControllerConfig(),
		LossConfig:           DefaultLossBasedConfig(),
	}
}

// SendSideEstimator runs on the sender. Per-packet arrival feedback drives
// the delay-based AIMD controller (on the acknowledged rate) and receiver
// report loss fractions drive a loss-based controller; the estimate is the
// lower of the two.
type SendSideEstimator struct {
	config    SendSideConfig
	delay     *DelayEstimator
	ackedRate *RateStats
	aimd      *RateController

	lossRate      int64
	lastIncrease  time.Time
	lastDecrease  time.Time
	lastLoss      float64
	delayEstimate int64
}

// NewSendSideEstimator creates a send-side estimator.
func NewSendSideEstimator(config SendSideConfig) *SendSideEstimator {
	aimd := NewRateController(config.RateControllerConfig)
	return &SendSideEstimator{
		config:        config,
		delay:         NewDelayEstimator(config.DelayConfig),
		ackedRate:     NewRateStats(config.RateStatsConfig),
		aimd:          aimd,
		lossRate:      aimd.Estimate(),
		delayEstimate: aimd.Estimate(),
	}
}

// OnPacketFeedback processes one acknowledged packet: SendTime is the
// sender's own abs-send-time and ArrivalTime the receiver's arrival time.
func (e *SendSideEstimator) OnPacketFeedback(pkt PacketInfo) {
	e.ackedRate.Update(int64(pkt.Size), pkt.ArrivalTime)
	signal := e.delay.OnPacket(pkt)
	if acked, ok := e.ackedRate.Rate(pkt.ArrivalTime); ok {
		e.delayEstimate = e.aimd.Update(signal, acked, pkt.ArrivalTime)
	}
}

// OnLossReport applies a loss fraction (FractionLost/256) observed at now.
func (e *SendSideEstimator) OnLossReport(fractionLost uint8, now time.Time) {
	loss := float64(fractionLost) / 256.0
	e.lastLoss = loss
	cfg := e.config.LossConfig
	rc := e.aimd.config

	switch {
	case loss < cfg.LowLossThreshold:
		if !e.lastIncrease.IsZero() {
			elapsed := math.Min(now.Sub(e.lastIncrease).Seconds(), 1.0)
			e.lossRate = int64(float64(e.lossRate) * math.Pow(1.08, elapsed))
		}
		e.lastIncrease = now
	case loss > cfg.HighLossThreshold:
		if e.lastDecrease.IsZero() || now.Sub(e.lastDecrease) >= cfg.DecreaseInterval {
			e.lossRate = int64(float64(e.lossRate) * (1 - 0.5*loss))
			e.lastDecrease = now
		}
		e.lastIncrease = now
	default:
		e.lastIncrease = now
	}
	e.lossRate = max(rc.MinBitrate, min(rc.MaxBitrate, e.lossRate))
}

// Estimate returns min(delay-based, loss-based) in bps.
func (e *SendSideEstimator) Estimate() int64 {
	return min(e.delayEstimate, e.lossRate)
}

// DelayBasedEstimate returns the AIMD estimate alone.
func (e *SendSideEstimator) DelayBasedEstimate() int64 {
	return e.delayEstimate
}

// LossBasedEstimate returns the loss-based estimate alone.
func (e *SendSideEstimator) LossBasedEstimate() int64 {
	return e.lossRate
}

// LastLossFraction returns the loss fraction of the last report.
func (e *SendSideEstimator) LastLossFraction() float64 {
	return e.lastLoss
}

// CongestionState returns the delay detector's signal.
func (e *SendSideEstimator) CongestionState() BandwidthUsage {
	return e.delay.State()
}
