package sim

import (
	"fmt"
	"time"
)

// ReorderFilter swaps a selected packet with its immediate predecessor with
// a fixed probability. Packets are held until the end of the step they
// arrive in, so only packets arriving in the same step can swap. A swapped
// pair takes the later of the two arrival times, which keeps delivery times
// non-decreasing and never delivers a packet before it arrived.
type ReorderFilter struct {
	stage
	percent float64
	pending deliveryQueue
	swaps   int64
}

// NewReorderFilter appends a reorder filter with 0% reordering to u.
func NewReorderFilter(u *Uplink, flows FlowSet) *ReorderFilter {
	f := &ReorderFilter{}
	f.stage = newStage(u, "reorder", flows, f)
	return f
}

// SetReorder sets the swap probability in percent. It panics outside [0, 100].
func (f *ReorderFilter) SetReorder(percent float64) {
	if percent < 0 || percent > 100 {
		panic(fmt.Sprintf("ReorderFilter.SetReorder: %v%% outside [0, 100]", percent))
	}
	f.percent = percent
}

// Reorder returns the configured swap probability in percent.
func (f *ReorderFilter) Reorder() float64 {
	return f.percent
}

// Swaps returns the number of swaps performed.
func (f *ReorderFilter) Swaps() int64 {
	return f.swaps
}

// Deliver implements Filter.
func (f *ReorderFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	hasPredecessor := f.pending.len() > 0
	f.pending.push(delivery{pkt: pkt, at: at})
	if !hasPredecessor || f.rng.Float64()*100 >= f.percent {
		return
	}
	prev := &f.pending.items[len(f.pending.items)-2]
	cur := f.pending.last()
	slot := max(prev.at, cur.at)
	prev.pkt, cur.pkt = cur.pkt, prev.pkt
	prev.at, cur.at = slot, slot
	f.swaps++
}

// Advance implements Filter. Everything held arrived at or before now.
func (f *ReorderFilter) Advance(now time.Duration) {
	f.pending.popDue(now, func(d delivery) { f.forward(d.pkt, d.at) })
}

// Pending implements Filter.
func (f *ReorderFilter) Pending() int {
	return f.pending.len()
}
