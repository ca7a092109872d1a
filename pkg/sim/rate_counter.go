package sim

import (
	"fmt"
	"maps"
	"time"

	"github.com/thesyncim/bwesim/pkg/bwe"
)

const (
	rateCounterWindow   = time.Second
	rateCounterInterval = 100 * time.Millisecond
)

// RateCounterFilter measures the throughput and delay of the packets that
// pass it. It never changes what it forwards. Throughput is sampled in kbps
// every 100ms over a one second sliding window, starting once a full window
// has elapsed.
type RateCounterFilter struct {
	stage
	label   string
	rate    *bwe.RateStats
	clk     func(time.Duration) time.Time
	started bool
	first   time.Duration
	next    time.Duration

	throughput Series
	delay      Series
	packets    int64
	bytes      int64
	byFlow     map[FlowID]int64
}

// NewRateCounterFilter appends a rate counter to u. A non-empty label makes
// the counter reachable through Scenario.Counter; labels must be unique.
func NewRateCounterFilter(u *Uplink, flows FlowSet, label string) *RateCounterFilter {
	f := &RateCounterFilter{
		label:  label,
		byFlow: make(map[FlowID]int64),
		rate: bwe.NewRateStats(bwe.RateStatsConfig{
			WindowSize: rateCounterWindow,
		}),
	}
	f.stage = newStage(u, "counter", flows, f)
	s := u.scenario
	f.clk = s.clock.At
	if label != "" {
		s.registerCounter(label, f)
	}
	return f
}

// Label returns the counter's label.
func (f *RateCounterFilter) Label() string {
	return f.label
}

// Deliver implements Filter.
func (f *RateCounterFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	if !f.started {
		f.started = true
		f.first = at
		f.next = at + rateCounterWindow
	}
	f.packets++
	f.bytes += int64(pkt.Size)
	f.byFlow[pkt.Flow] += int64(pkt.Size)
	f.rate.Update(int64(pkt.Size), f.clk(at))
	f.delay.Add(float64(at-pkt.SendTime) / float64(time.Millisecond))
	f.forward(pkt, at)
}

// Advance implements Filter.
func (f *RateCounterFilter) Advance(now time.Duration) {
	if !f.started {
		return
	}
	for f.next <= now {
		bps, _ := f.rate.Rate(f.clk(f.next))
		kbps := float64(bps) / 1000
		f.throughput.Add(kbps)
		f.metrics.counterKbps.WithLabelValues(f.counterName()).Set(kbps)
		f.next += rateCounterInterval
	}
}

func (f *RateCounterFilter) counterName() string {
	if f.label != "" {
		return f.label
	}
	return f.name
}

// Pending implements Filter.
func (f *RateCounterFilter) Pending() int {
	return 0
}

// GetBitrateStats returns the throughput samples in kbps.
func (f *RateCounterFilter) GetBitrateStats() *Series {
	return &f.throughput
}

// GetDelayStats returns the one-way delay, in ms, of every counted packet.
func (f *RateCounterFilter) GetDelayStats() *Series {
	return &f.delay
}

// BytesByFlow returns the bytes counted per flow.
func (f *RateCounterFilter) BytesByFlow() map[FlowID]int64 {
	return maps.Clone(f.byFlow)
}

// Packets returns the number of packets counted.
func (f *RateCounterFilter) Packets() int64 {
	return f.packets
}

// Bytes returns the number of bytes counted.
func (f *RateCounterFilter) Bytes() int64 {
	return f.bytes
}

// String implements fmt.Stringer.
func (f *RateCounterFilter) String() string {
	mean, _ := f.throughput.Mean()
	return fmt.Sprintf("%s: %d packets, %.1f kbps mean", f.counterName(), f.packets, mean)
}
