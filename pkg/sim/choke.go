package sim

import (
	"fmt"
	"time"
)

// linkQueue is a FIFO bottleneck link. The head packet starts transmitting
// when both it has arrived and the link is free, and leaves when its
// transmission completes. With a max delay set, a packet whose total time in
// the queue (including its own transmission) would exceed it is dropped when
// it reaches the head of the queue.
type linkQueue struct {
	queue       deliveryQueue
	kbps        float64
	maxDelay    time.Duration
	hasMaxDelay bool
	linkFree    time.Duration
	// lastCheck is the previous release time. No packet departs before it,
	// even when a capacity change shortens a transmission already under way.
	lastCheck time.Duration
}

func transmissionTime(size int, kbps float64) time.Duration {
	// size*8 bits at kbps kilobits per second is size*8/kbps milliseconds.
	return time.Duration(float64(size*8) / kbps * float64(time.Millisecond))
}

func (l *linkQueue) release(now time.Duration, st *stage) {
	prev := l.lastCheck
	l.lastCheck = now
	for l.queue.len() > 0 {
		head := l.queue.peek()
		if l.kbps <= 0 {
			// Stalled link: nothing departs, but the max delay still applies.
			if l.hasMaxDelay && now-head.at > l.maxDelay {
				st.drop(l.queue.pop().pkt, "max delay exceeded on stalled link")
				continue
			}
			return
		}
		start := max(head.at, l.linkFree)
		finish := max(start+transmissionTime(head.pkt.Size, l.kbps), prev)
		if l.hasMaxDelay && finish-head.at > l.maxDelay {
			st.drop(l.queue.pop().pkt, "max delay exceeded")
			continue
		}
		if finish > now {
			return
		}
		d := l.queue.pop()
		l.linkFree = finish
		st.forward(d.pkt, finish)
	}
}

// ChokeFilter models a bottleneck of configurable capacity with an
// unbounded FIFO queue and an optional maximum queueing delay.
type ChokeFilter struct {
	stage
	bottleneck linkQueue
}

// NewChokeFilter appends a choke filter to u. Its capacity starts at zero,
// so it holds everything until SetCapacity is called.
func NewChokeFilter(u *Uplink, flows FlowSet) *ChokeFilter {
	f := &ChokeFilter{}
	f.stage = newStage(u, "choke", flows, f)
	return f
}

// SetCapacity sets the link capacity in kbps. Zero stalls the link. It
// panics on a negative value.
func (f *ChokeFilter) SetCapacity(kbps float64) {
	if kbps < 0 {
		panic(fmt.Sprintf("ChokeFilter.SetCapacity: negative capacity %v", kbps))
	}
	f.bottleneck.kbps = kbps
}

// Capacity returns the link capacity in kbps.
func (f *ChokeFilter) Capacity() float64 {
	return f.bottleneck.kbps
}

// SetMaxDelay bounds the queueing delay. It panics on a negative value.
func (f *ChokeFilter) SetMaxDelay(d time.Duration) {
	if d < 0 {
		panic(fmt.Sprintf("ChokeFilter.SetMaxDelay: negative delay %v", d))
	}
	f.bottleneck.maxDelay = d
	f.bottleneck.hasMaxDelay = true
}

// SetMaxDelayMs bounds the queueing delay, in milliseconds.
func (f *ChokeFilter) SetMaxDelayMs(ms float64) {
	if ms < 0 {
		panic(fmt.Sprintf("ChokeFilter.SetMaxDelayMs: negative delay %vms", ms))
	}
	f.SetMaxDelay(msToDuration(ms))
}

// ClearMaxDelay removes the queueing delay bound.
func (f *ChokeFilter) ClearMaxDelay() {
	f.bottleneck.hasMaxDelay = false
}

// MaxDelay returns the queueing delay bound, if one is set.
func (f *ChokeFilter) MaxDelay() (time.Duration, bool) {
	return f.bottleneck.maxDelay, f.bottleneck.hasMaxDelay
}

// Deliver implements Filter.
func (f *ChokeFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	f.bottleneck.queue.push(delivery{pkt: pkt, at: at})
}

// Advance implements Filter.
func (f *ChokeFilter) Advance(now time.Duration) {
	f.bottleneck.release(now, &f.stage)
}

// Pending implements Filter.
func (f *ChokeFilter) Pending() int {
	return f.bottleneck.queue.len()
}

// QueueLength returns the number of queued packets, including the one being
// transmitted.
func (f *ChokeFilter) QueueLength() int {
	return f.bottleneck.queue.len()
}
