package bwe

import (
	"fmt"

	"github.com/pion/rtcp"
)

// LossTracker turns received sequence numbers into RFC 3550 reception
// report fields. Sequence numbers are extended across the 16-bit wrap.
type LossTracker struct {
	started       bool
	baseSeq       uint32
	maxSeq        uint32 // extended
	received      uint32
	expectedPrior uint32
	receivedPrior uint32
}

// OnPacket records one received sequence number.
func (l *LossTracker) OnPacket(seq uint16) {
	if !l.started {
		l.started = true
		l.baseSeq = uint32(seq)
		l.maxSeq = uint32(seq)
		l.received = 1
		return
	}
	l.received++
	cycles := l.maxSeq &^ 0xFFFF
	ext := cycles | uint32(seq)
	// Pick the candidate closest to the current maximum.
	if ext+0x8000 < l.maxSeq {
		ext += 1 << 16
	} else if ext > l.maxSeq+0x8000 && ext >= 1<<16 {
		ext -= 1 << 16
	}
	if ext > l.maxSeq {
		l.maxSeq = ext
	}
}

// Report returns the reception report for the interval since the previous
// call and advances the interval.
func (l *LossTracker) Report(ssrc uint32) rtcp.ReceptionReport {
	if !l.started {
		return rtcp.ReceptionReport{SSRC: ssrc}
	}
	expected := l.maxSeq - l.baseSeq + 1
	expectedInterval := expected - l.expectedPrior
	receivedInterval := l.received - l.receivedPrior
	l.expectedPrior = expected
	l.receivedPrior = l.received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8(min((expectedInterval-receivedInterval)<<8/expectedInterval, 255))
	}
	var totalLost uint32
	if expected > l.received {
		totalLost = min(expected-l.received, 0x7FFFFF)
	}
	return rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          totalLost,
		LastSequenceNumber: l.maxSeq,
	}
}

// BuildReceiverReport marshals a receiver report carrying one reception report.
func BuildReceiverReport(senderSSRC uint32, report rtcp.ReceptionReport) ([]byte, error) {
	rr := &rtcp.ReceiverReport{
		SSRC:    senderSSRC,
		Reports: []rtcp.ReceptionReport{report},
	}
	return rr.Marshal()
}

// ParseReceiverReport returns the first reception report for mediaSSRC found
// in an RTCP buffer.
func ParseReceiverReport(data []byte, mediaSSRC uint32) (rtcp.ReceptionReport, error) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return rtcp.ReceptionReport{}, fmt.Errorf("unmarshal rtcp: %w", err)
	}
	for _, p := range pkts {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range rr.Reports {
			if r.SSRC == mediaSSRC {
				return r, nil
			}
		}
	}
	return rtcp.ReceptionReport{}, fmt.Errorf("no reception report for ssrc %d", mediaSSRC)
}
