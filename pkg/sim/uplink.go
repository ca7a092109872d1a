package sim

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/logging"
)

// Filter is one stage of an Uplink.
//
// Deliver hands the filter a packet that arrived at virtual time at (never
// later than the current step). Advance is called once per step, in chain
// order, after the filters before it have run; it must forward every held
// packet whose delivery time is at or before now.
type Filter interface {
	Name() string
	Deliver(pkt Packet, at time.Duration)
	Advance(now time.Duration)
	// Pending returns the number of packets currently held.
	Pending() int
}

// Uplink is the ordered chain of filters between the senders and the
// receivers. Filters append themselves on construction; whatever leaves the
// last filter is dispatched to the receiver registered for the packet's flow.
type Uplink struct {
	scenario *Scenario
	filters  []Filter
	log      logging.LeveledLogger

	undeliverable int64
}

func newUplink(s *Scenario) *Uplink {
	return &Uplink{
		scenario: s,
		log:      s.loggerFactory.NewLogger("uplink"),
	}
}

// Filters returns the filters in chain order.
func (u *Uplink) Filters() []Filter {
	return append([]Filter(nil), u.filters...)
}

// Scenario returns the scenario the uplink belongs to.
func (u *Uplink) Scenario() *Scenario {
	return u.scenario
}

// Undeliverable returns the number of packets that reached the end of the
// chain for a flow with no receiver.
func (u *Uplink) Undeliverable() int64 {
	return u.undeliverable
}

// Send injects a packet at the head of the chain. Its arrival time is the
// packet's SendTime.
func (u *Uplink) Send(pkt Packet) {
	u.forward(0, pkt, pkt.SendTime)
}

func (u *Uplink) forward(index int, pkt Packet, at time.Duration) {
	if index < len(u.filters) {
		u.filters[index].Deliver(pkt, at)
		return
	}
	if !u.scenario.dispatch(pkt, at) {
		u.undeliverable++
		u.log.Tracef("no receiver for %v", pkt)
	}
}

func (u *Uplink) advance(now time.Duration) {
	for _, f := range u.filters {
		f.Advance(now)
		u.scenario.metrics.queueDepth.WithLabelValues(f.Name()).Set(float64(f.Pending()))
	}
}

// Attach appends a custom filter to the chain and returns the link it uses to
// hand packets to the next stage.
func (u *Uplink) Attach(f Filter) *Link {
	l := &Link{uplink: u, index: len(u.filters)}
	u.filters = append(u.filters, f)
	if u.scenario.Now() > 0 {
		u.log.Warnf("filter %s attached at %v, after the run started", f.Name(), u.scenario.Now())
	}
	return l
}

// Link is a filter's handle on its position in the chain.
type Link struct {
	uplink *Uplink
	index  int
}

// Forward hands pkt to the next stage with arrival time at.
func (l *Link) Forward(pkt Packet, at time.Duration) {
	l.uplink.forward(l.index+1, pkt, at)
}

// Index returns the position of the owning filter in the chain.
func (l *Link) Index() int {
	return l.index
}

// stage carries what every built-in filter shares: its link, flow selector,
// a private random stream and accounting.
type stage struct {
	link    *Link
	name    string
	flows   FlowSet
	rng     *rand.Rand
	log     logging.LeveledLogger
	metrics *Metrics

	forwardedPackets int64
	droppedPackets   int64
}

// newStage reserves the next slot in u for f. The returned stage must be
// stored in f before any packet flows.
func newStage(u *Uplink, kind string, flows FlowSet, f Filter) stage {
	index := len(u.filters)
	name := fmt.Sprintf("%s-%d", kind, index)
	st := stage{
		name:    name,
		flows:   flows,
		rng:     u.scenario.newRand(uint64(index)),
		log:     u.scenario.loggerFactory.NewLogger(kind),
		metrics: u.scenario.metrics,
	}
	st.link = u.Attach(f)
	return st
}

// Name implements Filter.
func (s *stage) Name() string {
	return s.name
}

// Flows returns the flows the filter applies to.
func (s *stage) Flows() FlowSet {
	return s.flows
}

// Forwarded returns the number of packets passed on to the next stage.
func (s *stage) Forwarded() int64 {
	return s.forwardedPackets
}

// Dropped returns the number of packets the filter discarded.
func (s *stage) Dropped() int64 {
	return s.droppedPackets
}

func (s *stage) forward(pkt Packet, at time.Duration) {
	s.forwardedPackets++
	s.metrics.forwarded(s.name, pkt.Size)
	s.link.Forward(pkt, at)
}

func (s *stage) drop(pkt Packet, reason string) {
	s.droppedPackets++
	s.metrics.dropped(s.name, pkt.Size)
	s.log.Tracef("%s: drop %v: %s", s.name, pkt, reason)
}
