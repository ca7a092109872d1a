package sim

import (
	"fmt"
	"time"
)

const (
	// MaxPacketSize is the largest payload a video frame is split into.
	MaxPacketSize = 1200

	minSourceKbps = 10.0
)

// Source produces the packets of one media flow.
type Source interface {
	Flow() FlowID
	SSRC() uint32
	// Bitrate returns the current encoding rate in kbps.
	Bitrate() float64
	// Packets returns the packets of every frame due at or before now, in
	// order. Their SendTime is the frame's capture time.
	Packets(now time.Duration) []Packet
}

// AdaptiveSource is a Source whose rate follows the sender's target.
type AdaptiveSource interface {
	Source
	SetBitrate(kbps float64)
}

// VideoSource is a constant bitrate video encoder: fps frames per second of
// kbps/fps bits each, split into packets of at most MaxPacketSize bytes.
type VideoSource struct {
	flow     FlowID
	ssrc     uint32
	fps      float64
	kbps     float64
	offset   time.Duration
	frame    int64
	sequence uint64

	frames int64
	bytes  int64
}

// NewVideoSource creates a source whose first frame is captured at
// firstFrameOffset. It panics on a non-positive fps or a negative rate.
func NewVideoSource(flow FlowID, fps, kbps float64, ssrc uint32, firstFrameOffset time.Duration) *VideoSource {
	if fps <= 0 {
		panic(fmt.Sprintf("NewVideoSource: fps must be positive, got %v", fps))
	}
	if kbps < 0 {
		panic(fmt.Sprintf("NewVideoSource: negative bitrate %v", kbps))
	}
	return &VideoSource{
		flow:   flow,
		ssrc:   ssrc,
		fps:    fps,
		kbps:   kbps,
		offset: firstFrameOffset,
	}
}

// Flow implements Source.
func (v *VideoSource) Flow() FlowID { return v.flow }

// SSRC implements Source.
func (v *VideoSource) SSRC() uint32 { return v.ssrc }

// Bitrate implements Source.
func (v *VideoSource) Bitrate() float64 { return v.kbps }

// FramesProduced returns the number of frames encoded so far.
func (v *VideoSource) FramesProduced() int64 { return v.frames }

// BytesProduced returns the number of payload bytes encoded so far.
func (v *VideoSource) BytesProduced() int64 { return v.bytes }

// frameTime is computed from the frame index to avoid accumulating rounding.
func (v *VideoSource) frameTime(n int64) time.Duration {
	return v.offset + time.Duration(float64(n)*float64(time.Second)/v.fps)
}

// Packets implements Source.
func (v *VideoSource) Packets(now time.Duration) []Packet {
	var out []Packet
	for at := v.frameTime(v.frame); at <= now; at = v.frameTime(v.frame) {
		out = v.appendFrame(out, at)
		v.frame++
	}
	return out
}

func (v *VideoSource) appendFrame(out []Packet, at time.Duration) []Packet {
	frameBytes := max(1, int(v.kbps*1000/8/v.fps))
	n := (frameBytes + MaxPacketSize - 1) / MaxPacketSize
	size, extra := frameBytes/n, frameBytes%n
	for i := range n {
		sz := size
		if i < extra {
			sz++
		}
		out = append(out, Packet{
			Flow:     v.flow,
			Sequence: v.sequence,
			Size:     sz,
			SendTime: at,
			SSRC:     v.ssrc,
		})
		v.sequence++
	}
	v.frames++
	v.bytes += int64(frameBytes)
	return out
}

// AdaptiveVideoSource is a VideoSource whose bitrate can be changed.
type AdaptiveVideoSource struct {
	VideoSource
}

// NewAdaptiveVideoSource creates an adaptive source starting at kbps.
func NewAdaptiveVideoSource(flow FlowID, fps, kbps float64, ssrc uint32, firstFrameOffset time.Duration) *AdaptiveVideoSource {
	return &AdaptiveVideoSource{VideoSource: *NewVideoSource(flow, fps, kbps, ssrc, firstFrameOffset)}
}

// SetBitrate sets the encoding rate for frames captured from now on. Rates
// below 10 kbps are raised to 10 kbps.
func (a *AdaptiveVideoSource) SetBitrate(kbps float64) {
	a.kbps = max(kbps, minSourceKbps)
}
