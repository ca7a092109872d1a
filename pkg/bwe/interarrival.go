package bwe

import "time"

// DefaultBurstThreshold groups packets arriving within 5ms of each other
// into one group (usually a single video frame).
const DefaultBurstThreshold = 5 * time.Millisecond

// packetGroup is a burst of packets treated as one delay sample.
type packetGroup struct {
	firstSend   uint32
	lastSend    uint32
	firstArrive time.Time
	lastArrive  time.Time
	size        int
	packets     int
}

// InterArrivalCalculator groups packets into bursts and computes the delay
// variation between consecutive groups:
//
//	d(i) = (t(i) - t(i-1)) - (T(i) - T(i-1))
//
// where t is the arrival time and T the send time of each group's last packet.
// Positive values mean queues are growing.
type InterArrivalCalculator struct {
	burstThreshold time.Duration
	current        *packetGroup
	previous       *packetGroup
}

// NewInterArrivalCalculator creates a calculator. A non-positive threshold
// selects DefaultBurstThreshold.
func NewInterArrivalCalculator(burstThreshold time.Duration) *InterArrivalCalculator {
	if burstThreshold <= 0 {
		burstThreshold = DefaultBurstThreshold
	}
	return &InterArrivalCalculator{burstThreshold: burstThreshold}
}

// AddPacket feeds one packet. hasResult is true when the packet closed a
// group and a new delay variation is available.
func (c *InterArrivalCalculator) AddPacket(pkt PacketInfo) (delayVariation time.Duration, hasResult bool) {
	if c.current != nil && c.belongsToCurrent(pkt) {
		c.current.lastSend = pkt.SendTime
		if pkt.ArrivalTime.After(c.current.lastArrive) {
			c.current.lastArrive = pkt.ArrivalTime
		}
		c.current.size += pkt.Size
		c.current.packets++
		return 0, false
	}

	if c.current != nil {
		c.previous = c.current
	}
	c.current = &packetGroup{
		firstSend:   pkt.SendTime,
		lastSend:    pkt.SendTime,
		firstArrive: pkt.ArrivalTime,
		lastArrive:  pkt.ArrivalTime,
		size:        pkt.Size,
		packets:     1,
	}
	if c.previous == nil {
		return 0, false
	}

	receiveDelta := c.current.lastArrive.Sub(c.previous.lastArrive)
	sendDelta := UnwrapAbsSendTimeDuration(c.previous.lastSend, c.current.lastSend)
	return receiveDelta - sendDelta, true
}

// belongsToCurrent reports whether pkt extends the current burst. Packets
// sent at the same instant always do, as do packets whose arrival gap is
// within the burst threshold.
func (c *InterArrivalCalculator) belongsToCurrent(pkt PacketInfo) bool {
	if pkt.SendTime == c.current.firstSend {
		return true
	}
	return pkt.ArrivalTime.Sub(c.current.lastArrive) <= c.burstThreshold
}

// BurstThreshold returns the configured grouping threshold.
func (c *InterArrivalCalculator) BurstThreshold() time.Duration {
	return c.burstThreshold
}

// Groups returns the packet counts of the previous and current groups,
// 0 when a group does not exist yet.
func (c *InterArrivalCalculator) Groups() (previous, current int) {
	if c.previous != nil {
		previous = c.previous.packets
	}
	if c.current != nil {
		current = c.current.packets
	}
	return previous, current
}

// Reset drops all grouping state.
func (c *InterArrivalCalculator) Reset() {
	c.current = nil
	c.previous = nil
}
