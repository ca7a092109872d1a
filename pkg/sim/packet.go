// Package sim is a deterministic, virtual-time network path emulator used to
// exercise bandwidth estimators.
//
// A Scenario owns a virtual clock, an Uplink made of impairment filters, the
// senders that feed it and the receivers at its end. Nothing runs on its own:
// RunFor advances virtual time in fixed steps and pulls every component
// forward in a fixed order, so a given seed and call sequence always produces
// the same packet trace.
//
//	s := sim.NewScenario(sim.DefaultConfig())
//	defer s.Close()
//	src := sim.NewVideoSource(0, 30, 300, 0x100, 0)
//	sim.NewVideoSender(s, src, sim.RembEstimator)
//	choke := sim.NewChokeFilter(s.Uplink(), sim.AllFlows)
//	sim.NewPacketReceiver(s, 0, sim.RembEstimator, false)
//	choke.SetCapacity(500)
//	s.RunFor(time.Minute)
package sim

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// FlowID identifies a traffic flow (one sender/receiver pair).
type FlowID int

// Packet is one synthetic packet. Packets are passed by value from stage to
// stage, so exactly one component holds a given packet at a time. Payload is
// opaque and must not be modified once the packet is created.
type Packet struct {
	// Flow is the flow the packet belongs to.
	Flow FlowID

	// Sequence is unique and increasing within the flow.
	Sequence uint64

	// Size is the packet size in bytes.
	Size int

	// SendTime is the virtual time the packet left its sender.
	SendTime time.Duration

	// SSRC is the media stream identifier the sender stamps on the packet.
	SSRC uint32

	// Payload optionally carries the serialized packet.
	Payload []byte
}

// String implements fmt.Stringer.
func (p Packet) String() string {
	return fmt.Sprintf("flow=%d seq=%d size=%d sent=%v", p.Flow, p.Sequence, p.Size, p.SendTime)
}

// FlowSet selects the flows a filter applies to.
type FlowSet struct {
	all bool
	ids []FlowID
}

// AllFlows matches every flow.
var AllFlows = FlowSet{all: true}

// Flows matches only the given flows.
func Flows(ids ...FlowID) FlowSet {
	set := slices.Clone(ids)
	slices.Sort(set)
	return FlowSet{ids: slices.Compact(set)}
}

// Contains reports whether id is selected.
func (s FlowSet) Contains(id FlowID) bool {
	if s.all {
		return true
	}
	_, found := slices.BinarySearch(s.ids, id)
	return found
}

// All reports whether the set is the AllFlows sentinel.
func (s FlowSet) All() bool {
	return s.all
}

// String implements fmt.Stringer.
func (s FlowSet) String() string {
	if s.all {
		return "all"
	}
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = fmt.Sprint(int(id))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// delivery is a packet together with the virtual time it is (or will be)
// handed to the next stage.
type delivery struct {
	pkt Packet
	at  time.Duration
}

// deliveryQueue is a FIFO of deliveries. Filters that keep it ordered by
// delivery time can release a prefix with popDue.
type deliveryQueue struct {
	items []delivery
	head  int
}

func (q *deliveryQueue) push(d delivery) {
	q.items = append(q.items, d)
}

func (q *deliveryQueue) len() int {
	return len(q.items) - q.head
}

func (q *deliveryQueue) peek() *delivery {
	return &q.items[q.head]
}

func (q *deliveryQueue) pop() delivery {
	d := q.items[q.head]
	q.items[q.head] = delivery{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return d
}

// last returns the most recently pushed delivery still queued.
func (q *deliveryQueue) last() *delivery {
	return &q.items[len(q.items)-1]
}

// popDue removes and returns, in order, the leading deliveries due at or
// before now.
func (q *deliveryQueue) popDue(now time.Duration, fn func(delivery)) {
	for q.len() > 0 && q.peek().at <= now {
		fn(q.pop())
	}
}
