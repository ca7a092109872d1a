// Package bwe contains the bandwidth estimators driven by the link emulator:
// a receiver-side GCC estimator that reports through REMB, and a send-side
// estimator that combines the same delay-based detector with a loss-based
// controller fed by receiver reports.
package bwe

import "time"

// BandwidthUsage is the congestion signal produced by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal means no congestion detected.
	BwNormal BandwidthUsage = iota
	// BwUnderusing means queues are draining; the rate may grow.
	BwUnderusing
	// BwOverusing means queues are building; the rate must drop.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// PacketInfo is the per-packet input of the delay-based pipeline.
type PacketInfo struct {
	// ArrivalTime is when the packet reached the receiver.
	ArrivalTime time.Time

	// SendTime is the 24-bit abs-send-time stamped by the sender
	// (6.18 fixed point seconds, wrapping every 64 seconds).
	SendTime uint32

	// Size is the packet size in bytes.
	Size int

	// SSRC identifies the media stream.
	SSRC uint32

	// SequenceNumber is the per-stream sequence number. It is only used
	// for loss accounting.
	SequenceNumber uint16
}

// Abs-send-time format constants.
const (
	// AbsSendTimeMax is one past the largest 24-bit abs-send-time value.
	AbsSendTimeMax = 1 << 24

	// AbsSendTimeResolution is the duration of one abs-send-time unit in seconds.
	AbsSendTimeResolution = 1.0 / (1 << 18)
)
