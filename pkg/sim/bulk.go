package sim

import (
	"slices"
	"time"
)

const (
	bulkPacketSize    = MaxPacketSize
	bulkInitialWindow = 2.0
	bulkMaxWindow     = 2000.0
	bulkDupThreshold  = 3
	bulkRTO           = time.Second
)

// BulkSender is a greedy TCP-like flow. It keeps up to cwnd packets in
// flight, grows the window by one packet per ack in slow start and by one
// packet per window afterwards, halves it at most once per window of data
// when a loss is detected, and falls back to one packet after a second
// without acks. Its receiver must use TcpEstimator.
type BulkSender struct {
	scenario *Scenario
	flow     FlowID
	ssrc     uint32

	cwnd        float64
	ssthresh    float64
	nextSeq     uint64
	outstanding []uint64
	recoverySeq uint64
	inRecovery  bool
	lastAck     time.Duration
	started     time.Duration

	packetsSent int64
	bytesSent   int64
	acked       int64
	lost        int64
	timeouts    int64
}

// NewBulkSender creates a bulk sender that starts sending at offset and
// attaches it to s.
func NewBulkSender(s *Scenario, flow FlowID, ssrc uint32, offset time.Duration) *BulkSender {
	b := &BulkSender{
		scenario: s,
		flow:     flow,
		ssrc:     ssrc,
		cwnd:     bulkInitialWindow,
		ssthresh: bulkMaxWindow,
		started:  offset,
		lastAck:  offset,
	}
	s.AddSender(b)
	return b
}

// Flow implements Sender.
func (b *BulkSender) Flow() FlowID { return b.flow }

// Window returns the congestion window in packets.
func (b *BulkSender) Window() float64 { return b.cwnd }

// InFlight returns the number of unacknowledged packets.
func (b *BulkSender) InFlight() int { return len(b.outstanding) }

// PacketsSent returns the number of packets sent.
func (b *BulkSender) PacketsSent() int64 { return b.packetsSent }

// BytesSent returns the number of bytes sent.
func (b *BulkSender) BytesSent() int64 { return b.bytesSent }

// Lost returns the number of packets declared lost.
func (b *BulkSender) Lost() int64 { return b.lost }

// Advance implements Sender.
func (b *BulkSender) Advance(now time.Duration) {
	if now < b.started {
		return
	}
	if len(b.outstanding) > 0 && now-b.lastAck > bulkRTO {
		b.timeout(now)
	}
	for float64(len(b.outstanding)) < b.cwnd {
		pkt := Packet{
			Flow:     b.flow,
			Sequence: b.nextSeq,
			Size:     bulkPacketSize,
			SendTime: now,
			SSRC:     b.ssrc,
		}
		b.outstanding = append(b.outstanding, b.nextSeq)
		b.nextSeq++
		b.packetsSent++
		b.bytesSent += bulkPacketSize
		b.scenario.uplink.Send(pkt)
	}
}

func (b *BulkSender) timeout(now time.Duration) {
	b.timeouts++
	b.lost += int64(len(b.outstanding))
	b.outstanding = b.outstanding[:0]
	b.ssthresh = max(b.cwnd/2, bulkInitialWindow)
	b.cwnd = 1
	b.inRecovery = false
	b.lastAck = now
}

// OnFeedback implements Sender. Every arrival acknowledges one packet.
func (b *BulkSender) OnFeedback(fb Feedback, now time.Duration) {
	for _, a := range fb.Arrivals {
		i, found := slices.BinarySearch(b.outstanding, a.Sequence)
		if !found {
			// Already declared lost or acked.
			continue
		}
		b.outstanding = slices.Delete(b.outstanding, i, i+1)
		b.acked++
		b.lastAck = now
		if b.inRecovery && a.Sequence >= b.recoverySeq {
			b.inRecovery = false
		}
		if b.cwnd < b.ssthresh {
			b.cwnd++
		} else {
			b.cwnd += 1 / b.cwnd
		}
		b.cwnd = min(b.cwnd, bulkMaxWindow)

		lost := 0
		for len(b.outstanding) > lost && b.outstanding[lost]+bulkDupThreshold < a.Sequence {
			lost++
		}
		if lost > 0 {
			b.outstanding = slices.Delete(b.outstanding, 0, lost)
			b.onLoss(lost)
		}
	}
}

func (b *BulkSender) onLoss(n int) {
	b.lost += int64(n)
	if b.inRecovery {
		return
	}
	b.ssthresh = max(b.cwnd/2, bulkInitialWindow)
	b.cwnd = b.ssthresh
	b.inRecovery = true
	b.recoverySeq = b.nextSeq
}
