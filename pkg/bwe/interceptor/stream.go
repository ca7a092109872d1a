package interceptor

import (
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// streamState is one bound local stream and the flow that carries it.
// Counters are atomic so stats can be read while the link runs.
type streamState struct {
	ssrc   uint32
	flow   sim.FlowID
	writer interceptor.RTPWriter

	// seq is guarded by LinkInterceptor.mu.
	seq uint64

	sent      atomic.Int64
	delivered atomic.Int64
	unbound   atomic.Bool
}

func newStreamState(ssrc uint32, flow sim.FlowID, writer interceptor.RTPWriter) *streamState {
	return &streamState{ssrc: ssrc, flow: flow, writer: writer}
}

// StreamStats counts the packets of one local stream.
type StreamStats struct {
	Flow      sim.FlowID
	Sent      int64
	Delivered int64
}

func (s *streamState) stats() StreamStats {
	return StreamStats{Flow: s.flow, Sent: s.sent.Load(), Delivered: s.delivered.Load()}
}

// egress is the far end of one flow. It feeds the link estimator in virtual
// time and queues the packet for the real writer.
type egress struct {
	link   *LinkInterceptor
	stream *streamState
}

func (e *egress) Flow() sim.FlowID {
	return e.stream.flow
}

// Deliver runs with link.mu held, from send or Scenario.RunFor.
func (e *egress) Deliver(pkt sim.Packet, at time.Duration) {
	if e.stream.unbound.Load() {
		putBuffer(pkt.Payload)
		return
	}
	e.link.observe(pkt, at)
	e.link.pending = append(e.link.pending, pendingPacket{stream: e.stream, raw: pkt.Payload})
}

func (e *egress) Advance(time.Duration) {}

type pendingPacket struct {
	stream *streamState
	raw    []byte
}
