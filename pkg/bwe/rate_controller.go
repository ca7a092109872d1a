package bwe

import (
	"math"
	"time"
)

// RateControlState is the AIMD state machine state.
type RateControlState int

const (
	// RateHold keeps the current rate.
	RateHold RateControlState = iota
	// RateIncrease grows the rate.
	RateIncrease
	// RateDecrease cuts the rate to beta times the incoming rate.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RateControllerConfig configures the AIMD controller.
type RateControllerConfig struct {
	// MinBitrate and MaxBitrate bound the estimate (bps).
	MinBitrate int64
	MaxBitrate int64
	// InitialBitrate is the estimate before any feedback (bps).
	InitialBitrate int64
	// Beta is the multiplicative decrease factor applied to the incoming rate.
	Beta float64
}

// DefaultRateControllerConfig returns 10 kbps .. 30 Mbps, starting at 300 kbps, beta 0.85.
func DefaultRateControllerConfig() RateControllerConfig {
	return RateControllerConfig{
		MinBitrate:     10_000,
		MaxBitrate:     30_000_000,
		InitialBitrate: 300_000,
		Beta:           0.85,
	}
}

// RateController implements the GCC AIMD rate control:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | Hold
//	Underusing | (stay)   | Hold     | Hold
//
// Decrease is taken from the measured incoming rate, not from the estimate.
type RateController struct {
	config      RateControllerConfig
	state       RateControlState
	currentRate int64
	lastUpdate  time.Time
}

// NewRateController creates a controller; zero or invalid fields take defaults.
func NewRateController(config RateControllerConfig) *RateController {
	def := DefaultRateControllerConfig()
	if config.MinBitrate <= 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = def.InitialBitrate
	}
	if config.Beta <= 0 || config.Beta >= 1 {
		config.Beta = def.Beta
	}
	return &RateController{
		config:      config,
		state:       RateHold,
		currentRate: config.InitialBitrate,
	}
}

// Update applies a congestion signal and the measured incoming rate (bps)
// and returns the new estimate.
func (c *RateController) Update(signal BandwidthUsage, incomingRate int64, now time.Time) int64 {
	c.transition(signal)

	switch c.state {
	case RateDecrease:
		c.currentRate = int64(c.config.Beta * float64(incomingRate))
	case RateIncrease:
		if !c.lastUpdate.IsZero() {
			elapsed := math.Min(now.Sub(c.lastUpdate).Seconds(), 1.0)
			if elapsed > 0 {
				c.currentRate = int64(math.Pow(1.08, elapsed) * float64(c.currentRate))
			}
		}
	}

	c.currentRate = max(c.config.MinBitrate, min(c.config.MaxBitrate, c.currentRate))
	if incomingRate > 0 {
		// Never run away from what is actually arriving.
		c.currentRate = min(c.currentRate, max(int64(1.5*float64(incomingRate)), c.config.MinBitrate))
	}
	c.lastUpdate = now
	return c.currentRate
}

func (c *RateController) transition(signal BandwidthUsage) {
	switch signal {
	case BwOverusing:
		c.state = RateDecrease
	case BwUnderusing:
		c.state = RateHold
	case BwNormal:
		switch c.state {
		case RateHold:
			c.state = RateIncrease
		case RateDecrease:
			c.state = RateHold
		}
	}
}

// State returns the current AIMD state.
func (c *RateController) State() RateControlState {
	return c.state
}

// Estimate returns the current estimate in bps.
func (c *RateController) Estimate() int64 {
	return c.currentRate
}

// Reset restores the initial state.
func (c *RateController) Reset() {
	c.state = RateHold
	c.currentRate = c.config.InitialBitrate
	c.lastUpdate = time.Time{}
}
