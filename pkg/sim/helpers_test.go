package sim

import (
	"testing"
	"time"
)

// logEntry is one delivery seen by a captureReceiver.
type logEntry struct {
	Flow     FlowID
	Seq      uint64
	SendTime time.Duration
	At       time.Duration
	Size     int
}

// captureReceiver records every delivery of one flow.
type captureReceiver struct {
	flow FlowID
	log  []logEntry
}

func newCaptureReceiver(s *Scenario, flow FlowID) *captureReceiver {
	r := &captureReceiver{flow: flow}
	s.AddReceiver(r)
	return r
}

func (r *captureReceiver) Flow() FlowID { return r.flow }

func (r *captureReceiver) Deliver(pkt Packet, at time.Duration) {
	r.log = append(r.log, logEntry{Flow: pkt.Flow, Seq: pkt.Sequence, SendTime: pkt.SendTime, At: at, Size: pkt.Size})
}

func (r *captureReceiver) Advance(time.Duration) {}

func (r *captureReceiver) bytes() int64 {
	var n int64
	for _, e := range r.log {
		n += int64(e.Size)
	}
	return n
}

// scriptedSender sends a fixed list of packets at their SendTime.
type scriptedSender struct {
	s    *Scenario
	flow FlowID
	pkts []Packet
	next int
}

func (p *scriptedSender) Flow() FlowID { return p.flow }

func (p *scriptedSender) Advance(now time.Duration) {
	for p.next < len(p.pkts) && p.pkts[p.next].SendTime <= now {
		p.s.Uplink().Send(p.pkts[p.next])
		p.next++
	}
}

func (p *scriptedSender) OnFeedback(Feedback, time.Duration) {}

// newConstantSender sends count packets of size bytes, one every interval,
// starting at time zero.
func newConstantSender(s *Scenario, flow FlowID, size int, interval time.Duration, count int) *scriptedSender {
	p := &scriptedSender{s: s, flow: flow}
	for i := range count {
		p.pkts = append(p.pkts, Packet{
			Flow:     flow,
			Sequence: uint64(i),
			Size:     size,
			SendTime: time.Duration(i) * interval,
		})
	}
	s.AddSender(p)
	return p
}

// newBurstSender sends perStep packets at every millisecond.
func newBurstSender(s *Scenario, flow FlowID, size, perStep int, steps int) *scriptedSender {
	p := &scriptedSender{s: s, flow: flow}
	seq := uint64(0)
	for step := range steps {
		for range perStep {
			p.pkts = append(p.pkts, Packet{
				Flow:     flow,
				Sequence: seq,
				Size:     size,
				SendTime: time.Duration(step) * time.Millisecond,
			})
			seq++
		}
	}
	s.AddSender(p)
	return p
}

func newTestScenario(t *testing.T, seed uint64) *Scenario {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.Seed = seed
	s := NewScenario(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
