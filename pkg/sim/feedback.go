package sim

import "time"

// ArrivalRecord reports when one packet reached its receiver.
type ArrivalRecord struct {
	Sequence    uint64
	SendTime    time.Duration
	ArrivalTime time.Duration
	Size        int
}

// Feedback is a message from a receiver to the sender of its flow. RTCP
// carries serialized REMB or receiver reports; Arrivals carries per-packet
// acknowledgements for send-side and bulk flows.
type Feedback struct {
	Flow      FlowID
	CreatedAt time.Duration
	RTCP      []byte
	Arrivals  []ArrivalRecord
}

// feedbackLink is the return path: a fixed delay, no loss, FIFO order.
type feedbackLink struct {
	scenario *Scenario
	delay    time.Duration
	queue    []pendingFeedback
}

type pendingFeedback struct {
	fb Feedback
	at time.Duration
}

func newFeedbackLink(s *Scenario, delay time.Duration) *feedbackLink {
	return &feedbackLink{scenario: s, delay: delay}
}

func (l *feedbackLink) send(fb Feedback, now time.Duration) {
	l.queue = append(l.queue, pendingFeedback{fb: fb, at: now + l.delay})
}

func (l *feedbackLink) advance(now time.Duration) {
	n := 0
	for n < len(l.queue) && l.queue[n].at <= now {
		p := l.queue[n]
		n++
		snd, ok := l.scenario.senderOf[p.fb.Flow]
		if !ok {
			continue
		}
		kind := "arrivals"
		if len(p.fb.RTCP) > 0 {
			kind = "rtcp"
		}
		l.scenario.metrics.feedbackEvents.WithLabelValues(flowLabel(p.fb.Flow), kind).Inc()
		snd.OnFeedback(p.fb, now)
	}
	if n > 0 {
		l.queue = append(l.queue[:0], l.queue[n:]...)
	}
}
