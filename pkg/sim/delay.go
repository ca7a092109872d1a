package sim

import (
	"fmt"
	"math"
	"time"
)

// DelayFilter adds a constant delay to every selected packet. Changing the
// delay never reorders packets: a packet is never scheduled before the one
// queued ahead of it.
type DelayFilter struct {
	stage
	delay         time.Duration
	queue         deliveryQueue
	lastScheduled time.Duration
}

// NewDelayFilter appends a delay filter with zero delay to u.
func NewDelayFilter(u *Uplink, flows FlowSet) *DelayFilter {
	f := &DelayFilter{}
	f.stage = newStage(u, "delay", flows, f)
	return f
}

// SetDelay sets the one-way delay. It panics on a negative value.
func (f *DelayFilter) SetDelay(d time.Duration) {
	if d < 0 {
		panic(fmt.Sprintf("DelayFilter.SetDelay: negative delay %v", d))
	}
	f.delay = d
}

// SetDelayMs sets the one-way delay in milliseconds.
func (f *DelayFilter) SetDelayMs(ms float64) {
	if ms < 0 {
		panic(fmt.Sprintf("DelayFilter.SetDelayMs: negative delay %vms", ms))
	}
	f.SetDelay(msToDuration(ms))
}

// Delay returns the configured delay.
func (f *DelayFilter) Delay() time.Duration {
	return f.delay
}

// Deliver implements Filter.
func (f *DelayFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	due := max(at+f.delay, f.lastScheduled)
	f.lastScheduled = due
	f.queue.push(delivery{pkt: pkt, at: due})
}

// Advance implements Filter.
func (f *DelayFilter) Advance(now time.Duration) {
	f.queue.popDue(now, func(d delivery) { f.forward(d.pkt, d.at) })
}

// Pending implements Filter.
func (f *DelayFilter) Pending() int {
	return f.queue.len()
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// JitterFilter adds a random extra delay to every selected packet. The extra
// delay is the magnitude of a zero-mean Gaussian with standard deviation
// J/3, clipped to [0, J], so J bounds the jitter. Like DelayFilter it never
// reorders.
type JitterFilter struct {
	stage
	maxJitter     time.Duration
	queue         deliveryQueue
	lastScheduled time.Duration
}

// NewJitterFilter appends a jitter filter with zero jitter to u.
func NewJitterFilter(u *Uplink, flows FlowSet) *JitterFilter {
	f := &JitterFilter{}
	f.stage = newStage(u, "jitter", flows, f)
	return f
}

// SetMaxJitter sets the jitter bound J. It panics on a negative value.
func (f *JitterFilter) SetMaxJitter(j time.Duration) {
	if j < 0 {
		panic(fmt.Sprintf("JitterFilter.SetMaxJitter: negative jitter %v", j))
	}
	f.maxJitter = j
}

// SetJitter sets the jitter bound in milliseconds.
func (f *JitterFilter) SetJitter(ms float64) {
	if ms < 0 {
		panic(fmt.Sprintf("JitterFilter.SetJitter: negative jitter %vms", ms))
	}
	f.SetMaxJitter(msToDuration(ms))
}

// MaxJitter returns the jitter bound.
func (f *JitterFilter) MaxJitter() time.Duration {
	return f.maxJitter
}

func (f *JitterFilter) sample() time.Duration {
	if f.maxJitter == 0 {
		return 0
	}
	extra := math.Abs(f.rng.NormFloat64()) * float64(f.maxJitter) / 3
	return min(time.Duration(extra), f.maxJitter)
}

// Deliver implements Filter.
func (f *JitterFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	due := max(at+f.sample(), f.lastScheduled)
	f.lastScheduled = due
	f.queue.push(delivery{pkt: pkt, at: due})
}

// Advance implements Filter.
func (f *JitterFilter) Advance(now time.Duration) {
	f.queue.popDue(now, func(d delivery) { f.forward(d.pkt, d.at) })
}

// Pending implements Filter.
func (f *JitterFilter) Pending() int {
	return f.queue.len()
}
