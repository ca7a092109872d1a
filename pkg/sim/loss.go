package sim

import (
	"fmt"
	"time"
)

// LossFilter drops each selected packet independently with a fixed
// probability. Packets that survive are forwarded unchanged and immediately.
type LossFilter struct {
	stage
	lossPercent float64
}

// NewLossFilter appends a loss filter with 0% loss to u.
func NewLossFilter(u *Uplink, flows FlowSet) *LossFilter {
	f := &LossFilter{}
	f.stage = newStage(u, "loss", flows, f)
	return f
}

// SetLoss sets the drop probability in percent. It panics outside [0, 100].
func (f *LossFilter) SetLoss(percent float64) {
	if percent < 0 || percent > 100 {
		panic(fmt.Sprintf("LossFilter.SetLoss: %v%% outside [0, 100]", percent))
	}
	f.lossPercent = percent
}

// Loss returns the configured drop probability in percent.
func (f *LossFilter) Loss() float64 {
	return f.lossPercent
}

// Deliver implements Filter.
func (f *LossFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	// One draw per packet keeps the random stream aligned across runs.
	if f.rng.Float64()*100 < f.lossPercent {
		f.drop(pkt, "random loss")
		return
	}
	f.forward(pkt, at)
}

// Advance implements Filter. A loss filter holds nothing.
func (f *LossFilter) Advance(time.Duration) {}

// Pending implements Filter.
func (f *LossFilter) Pending() int {
	return 0
}
