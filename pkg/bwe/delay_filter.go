package bwe

import (
	"math"
	"time"
)

// FilterType selects the smoothing stage of the delay estimator.
type FilterType int

const (
	// FilterKalman smooths delay variation with a scalar Kalman filter.
	FilterKalman FilterType = iota
	// FilterTrendline fits a least-squares slope over recent samples.
	FilterTrendline
)

// delayFilter turns raw delay variation samples (ms) into a gradient estimate.
type delayFilter interface {
	Update(arrival time.Time, delayMs float64) float64
	Reset()
}

// KalmanConfig holds the Kalman filter parameters from draft-ietf-rmcat-gcc.
type KalmanConfig struct {
	// ProcessNoise is the state noise variance q.
	ProcessNoise float64
	// InitialError is the initial error covariance e(0).
	InitialError float64
	// Chi is the smoothing coefficient for the measurement noise variance.
	Chi float64
}

// DefaultKalmanConfig returns q=1e-3, e(0)=0.1, chi=0.01.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise: 0.001,
		InitialError: 0.1,
		Chi:          0.01,
	}
}

// KalmanFilter tracks the delay gradient m_hat from noisy delay variations.
type KalmanFilter struct {
	config       KalmanConfig
	estimate     float64
	errorCov     float64
	measureNoise float64
}

// NewKalmanFilter creates a Kalman filter with zero initial gradient.
func NewKalmanFilter(config KalmanConfig) *KalmanFilter {
	return &KalmanFilter{
		config:       config,
		errorCov:     config.InitialError,
		measureNoise: 1.0,
	}
}

// Update applies one measurement (ms) and returns the new estimate.
func (k *KalmanFilter) Update(measurement float64) float64 {
	z := measurement - k.estimate

	// Innovations beyond 3 sigma only count as 3 sigma towards the noise estimate.
	limit := 3 * math.Sqrt(k.measureNoise)
	capped := math.Max(-limit, math.Min(limit, z))
	k.measureNoise = math.Max(1.0, (1-k.config.Chi)*k.measureNoise+k.config.Chi*capped*capped)

	gain := (k.errorCov + k.config.ProcessNoise) /
		(k.measureNoise + k.errorCov + k.config.ProcessNoise)
	k.estimate += gain * z
	k.errorCov = (1 - gain) * (k.errorCov + k.config.ProcessNoise)
	return k.estimate
}

// Estimate returns the current gradient estimate.
func (k *KalmanFilter) Estimate() float64 {
	return k.estimate
}

// Reset restores the initial state.
func (k *KalmanFilter) Reset() {
	k.estimate = 0
	k.errorCov = k.config.InitialError
	k.measureNoise = 1.0
}

type kalmanAdapter struct{ *KalmanFilter }

func (k kalmanAdapter) Update(_ time.Time, delayMs float64) float64 {
	return k.KalmanFilter.Update(delayMs)
}

// TrendlineConfig configures the trendline estimator.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression window.
	WindowSize int
	// SmoothingCoef is the exponential smoothing factor of the accumulated delay.
	SmoothingCoef float64
	// ThresholdGain scales the slope to the detector's threshold range.
	ThresholdGain float64
}

// DefaultTrendlineConfig returns libwebrtc's defaults: 20 samples, 0.9, 4.0.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

type trendSample struct {
	arrivalMs float64
	delay     float64
}

// TrendlineEstimator estimates the delay trend with a linear regression over
// the accumulated, smoothed delay.
type TrendlineEstimator struct {
	config       TrendlineConfig
	history      []trendSample
	accumulated  float64
	smoothed     float64
	numDeltas    int
	firstArrival time.Time
}

// NewTrendlineEstimator creates a trendline estimator. Windows smaller than
// two samples fall back to 20.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	if config.WindowSize < 2 {
		config.WindowSize = 20
	}
	return &TrendlineEstimator{
		config:  config,
		history: make([]trendSample, 0, config.WindowSize+1),
	}
}

// Update adds a delay variation sample and returns the modified trend:
// min(numDeltas, 60) * slope * gain.
func (t *TrendlineEstimator) Update(arrival time.Time, delayMs float64) float64 {
	if t.firstArrival.IsZero() {
		t.firstArrival = arrival
	}
	t.accumulated += delayMs
	t.smoothed = t.config.SmoothingCoef*t.smoothed + (1-t.config.SmoothingCoef)*t.accumulated

	t.history = append(t.history, trendSample{
		arrivalMs: float64(arrival.Sub(t.firstArrival).Microseconds()) / 1000.0,
		delay:     t.smoothed,
	})
	if len(t.history) > t.config.WindowSize {
		t.history = t.history[1:]
	}
	t.numDeltas++

	return math.Min(float64(t.numDeltas), 60) * t.slope() * t.config.ThresholdGain
}

func (t *TrendlineEstimator) slope() float64 {
	n := float64(len(t.history))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXX, sumXY float64
	for _, s := range t.history {
		sumX += s.arrivalMs
		sumY += s.delay
		sumXX += s.arrivalMs * s.arrivalMs
		sumXY += s.arrivalMs * s.delay
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Reset clears the estimator state.
func (t *TrendlineEstimator) Reset() {
	t.history = t.history[:0]
	t.accumulated = 0
	t.smoothed = 0
	t.numDeltas = 0
	t.firstArrival = time.Time{}
}

func newDelayFilter(kind FilterType, kc KalmanConfig, tc TrendlineConfig) delayFilter {
	if kind == FilterTrendline {
		return NewTrendlineEstimator(tc)
	}
	return kalmanAdapter{NewKalmanFilter(kc)}
}
