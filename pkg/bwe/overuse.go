package bwe

import (
	"math"
	"time"
)

// StateChangeCallback is invoked with the previous and new state whenever
// the detector changes hypothesis.
type StateChangeCallback func(old, new BandwidthUsage)

// OveruseConfig configures the adaptive-threshold overuse detector.
type OveruseConfig struct {
	// InitialThreshold is the starting threshold in ms.
	InitialThreshold float64
	// MinThreshold and MaxThreshold bound the adaptive threshold (ms).
	MinThreshold float64
	MaxThreshold float64
	// Ku is the threshold gain when |estimate| is above the threshold.
	Ku float64
	// Kd is the threshold gain when |estimate| is below the threshold.
	Kd float64
	// OveruseTimeThresh is how long the estimate must stay above the
	// threshold before overuse is signaled.
	OveruseTimeThresh time.Duration
}

// DefaultOveruseConfig returns the GCC defaults (12.5ms, [6, 600], 0.01, 0.00018, 10ms).
func DefaultOveruseConfig() OveruseConfig {
	return OveruseConfig{
		InitialThreshold:  12.5,
		MinThreshold:      6.0,
		MaxThreshold:      600.0,
		Ku:                0.01,
		Kd:                0.00018,
		OveruseTimeThresh: 10 * time.Millisecond,
	}
}

// OveruseDetector compares the filtered delay gradient against a threshold
// that adapts towards |estimate| with asymmetric gains.
type OveruseDetector struct {
	config       OveruseConfig
	threshold    float64
	lastUpdate   time.Time
	overuseStart time.Time
	overuseCount int
	inOveruse    bool
	prevEstimate float64
	hypothesis   BandwidthUsage
	callback     StateChangeCallback
}

// NewOveruseDetector creates a detector in the Normal state.
func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	return &OveruseDetector{
		config:     config,
		threshold:  config.InitialThreshold,
		hypothesis: BwNormal,
	}
}

// SetCallback registers a state change callback. nil disables it.
func (d *OveruseDetector) SetCallback(cb StateChangeCallback) {
	d.callback = cb
}

func (d *OveruseDetector) updateThreshold(estimate float64, now time.Time) {
	if d.lastUpdate.IsZero() {
		d.lastUpdate = now
		return
	}
	abs := math.Abs(estimate)
	// Spikes far above the threshold (e.g. after a route change) do not move it.
	if abs > d.threshold+15 {
		d.lastUpdate = now
		return
	}
	dt := math.Min(now.Sub(d.lastUpdate).Seconds(), 0.1)
	d.lastUpdate = now

	k := d.config.Kd
	if abs > d.threshold {
		k = d.config.Ku
	}
	d.threshold += dt * 1000 * k * (abs - d.threshold)
	d.threshold = math.Max(d.config.MinThreshold, math.Min(d.config.MaxThreshold, d.threshold))
}

// Detect classifies one gradient estimate observed at now.
// Overuse needs the estimate above the threshold for OveruseTimeThresh over
// more than one sample, and is suppressed while the estimate is falling.
func (d *OveruseDetector) Detect(estimate float64, now time.Time) BandwidthUsage {
	old := d.hypothesis

	switch {
	case estimate > d.threshold:
		if !d.inOveruse {
			d.overuseStart = now
			d.overuseCount = 0
			d.inOveruse = true
		}
		d.overuseCount++
		if estimate >= d.prevEstimate &&
			now.Sub(d.overuseStart) >= d.config.OveruseTimeThresh && d.overuseCount > 1 {
			d.hypothesis = BwOverusing
		}
	case estimate < -d.threshold:
		d.hypothesis = BwUnderusing
		d.inOveruse = false
	default:
		d.hypothesis = BwNormal
		d.inOveruse = false
	}

	d.prevEstimate = estimate
	d.updateThreshold(estimate, now)

	if d.hypothesis != old && d.callback != nil {
		d.callback(old, d.hypothesis)
	}
	return d.hypothesis
}

// State returns the current hypothesis.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// Threshold returns the current adaptive threshold in ms.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// Reset restores the initial state, keeping the configuration.
func (d *OveruseDetector) Reset() {
	*d = OveruseDetector{
		config:     d.config,
		threshold:  d.config.InitialThreshold,
		hypothesis: BwNormal,
		callback:   d.callback,
	}
}
