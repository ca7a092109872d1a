package bwe

import "time"

// DelayEstimatorConfig configures the delay-based congestion detector.
type DelayEstimatorConfig struct {
	// FilterType selects Kalman or Trendline smoothing.
	FilterType FilterType
	// BurstThreshold groups packets arriving close together.
	BurstThreshold  time.Duration
	KalmanConfig    KalmanConfig
	TrendlineConfig TrendlineConfig
	OveruseConfig   OveruseConfig
}

// DefaultDelayEstimatorConfig uses the trendline filter, which is what
// current libwebrtc ships.
func DefaultDelayEstimatorConfig() DelayEstimatorConfig {
	return DelayEstimatorConfig{
		FilterType:      FilterTrendline,
		BurstThreshold:  DefaultBurstThreshold,
		KalmanConfig:    DefaultKalmanConfig(),
		TrendlineConfig: DefaultTrendlineConfig(),
		OveruseConfig:   DefaultOveruseConfig(),
	}
}

// DelayEstimator chains burst grouping, delay filtering and overuse
// detection into a single BandwidthUsage signal.
type DelayEstimator struct {
	config       DelayEstimatorConfig
	interarrival *InterArrivalCalculator
	filter       delayFilter
	detector     *OveruseDetector
	lastEstimate float64
}

// NewDelayEstimator creates a DelayEstimator.
func NewDelayEstimator(config DelayEstimatorConfig) *DelayEstimator {
	return &DelayEstimator{
		config:       config,
		interarrival: NewInterArrivalCalculator(config.BurstThreshold),
		filter:       newDelayFilter(config.FilterType, config.KalmanConfig, config.TrendlineConfig),
		detector:     NewOveruseDetector(config.OveruseConfig),
	}
}

// OnPacket feeds one packet and returns the current congestion signal.
func (e *DelayEstimator) OnPacket(pkt PacketInfo) BandwidthUsage {
	variation, ok := e.interarrival.AddPacket(pkt)
	if !ok {
		return e.detector.State()
	}
	delayMs := float64(variation.Microseconds()) / 1000.0
	e.lastEstimate = e.filter.Update(pkt.ArrivalTime, delayMs)
	return e.detector.Detect(e.lastEstimate, pkt.ArrivalTime)
}

// State returns the current congestion signal.
func (e *DelayEstimator) State() BandwidthUsage {
	return e.detector.State()
}

// Gradient returns the last filtered delay gradient.
func (e *DelayEstimator) Gradient() float64 {
	return e.lastEstimate
}

// SetCallback forwards to the detector's state change callback.
func (e *DelayEstimator) SetCallback(cb StateChangeCallback) {
	e.detector.SetCallback(cb)
}

// Reset clears all pipeline state.
func (e *DelayEstimator) Reset() {
	e.interarrival.Reset()
	e.filter.Reset()
	e.detector.Reset()
	e.lastEstimate = 0
}
