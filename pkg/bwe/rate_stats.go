package bwe

import "time"

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the sliding window length. Default: 1 second,
	// as libwebrtc's RateStatistics.
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns a one second window.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{WindowSize: time.Second}
}

type rateSample struct {
	at    time.Time
	bytes int64
}

// RateStats measures a bitrate over a sliding time window.
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(1200, now)
//	if bps, ok := r.Rate(now); ok {
//	    ...
//	}
type RateStats struct {
	window     time.Duration
	samples    []rateSample
	totalBytes int64
	first      time.Time
}

// NewRateStats creates a rate tracker. A non-positive window selects one second.
func NewRateStats(config RateStatsConfig) *RateStats {
	window := config.WindowSize
	if window <= 0 {
		window = time.Second
	}
	return &RateStats{
		window:  window,
		samples: make([]rateSample, 0, 64),
	}
}

// Update records bytes observed at now. Samples must be added in
// non-decreasing time order.
func (r *RateStats) Update(bytes int64, now time.Time) {
	if r.first.IsZero() {
		r.first = now
	}
	r.expire(now)
	r.samples = append(r.samples, rateSample{at: now, bytes: bytes})
	r.totalBytes += bytes
}

// Rate returns the bitrate over the window ending at now. Until a full
// window has elapsed since the first sample, the rate is computed over the
// elapsed span instead. ok is false when there is no data or less than 1ms
// has elapsed.
func (r *RateStats) Rate(now time.Time) (bitsPerSec int64, ok bool) {
	r.expire(now)
	if len(r.samples) == 0 {
		return 0, false
	}
	span := r.window
	if elapsed := now.Sub(r.first); elapsed < span {
		span = elapsed
	}
	if span < time.Millisecond {
		return 0, false
	}
	return int64(float64(r.totalBytes*8) / span.Seconds()), true
}

// Window returns the configured window length.
func (r *RateStats) Window() time.Duration {
	return r.window
}

// Reset clears all samples.
func (r *RateStats) Reset() {
	r.samples = r.samples[:0]
	r.totalBytes = 0
	r.first = time.Time{}
}

func (r *RateStats) expire(now time.Time) {
	cutoff := now.Add(-r.window)
	n := 0
	for n < len(r.samples) && !r.samples[n].at.After(cutoff) {
		r.totalBytes -= r.samples[n].bytes
		n++
	}
	if n > 0 {
		r.samples = r.samples[n:]
	}
}
