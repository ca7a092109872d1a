package sim

import (
	"errors"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/bwesim/pkg/bwe"
)

// pacingFactor is the pacer rate relative to the encoder rate.
const pacingFactor = 2.5

// VideoSender sends the packets of a Source into the uplink as soon as they
// are produced and applies the estimates fed back by the receiver.
type VideoSender struct {
	scenario *Scenario
	source   Source
	kind     EstimatorType
	log      logging.LeveledLogger

	sendSide *bwe.SendSideEstimator
	target   float64

	packetsSent   int64
	bytesSent     int64
	feedbackCount int64
}

// NewVideoSender creates a sender for src and attaches it to s. kind must
// match the flow's receiver: it selects how feedback is interpreted.
func NewVideoSender(s *Scenario, src Source, kind EstimatorType) *VideoSender {
	snd := newVideoSender(s, src, kind)
	s.AddSender(snd)
	return snd
}

func newVideoSender(s *Scenario, src Source, kind EstimatorType) *VideoSender {
	snd := &VideoSender{
		scenario: s,
		source:   src,
		kind:     kind,
		log:      s.loggerFactory.NewLogger("sender"),
		target:   src.Bitrate(),
	}
	if kind == FullSendSideEstimator {
		snd.sendSide = bwe.NewSendSideEstimator(bwe.DefaultSendSideConfig())
	}
	return snd
}

// Flow implements Sender.
func (v *VideoSender) Flow() FlowID { return v.source.Flow() }

// Source returns the sender's source.
func (v *VideoSender) Source() Source { return v.source }

// TargetBitrate returns the latest target in kbps.
func (v *VideoSender) TargetBitrate() float64 { return v.target }

// PacketsSent returns the number of packets handed to the uplink.
func (v *VideoSender) PacketsSent() int64 { return v.packetsSent }

// BytesSent returns the number of bytes handed to the uplink.
func (v *VideoSender) BytesSent() int64 { return v.bytesSent }

// FeedbackReceived returns the number of feedback messages applied.
func (v *VideoSender) FeedbackReceived() int64 { return v.feedbackCount }

// SendSideEstimator returns the sender's estimator for send-side flows.
func (v *VideoSender) SendSideEstimator() *bwe.SendSideEstimator { return v.sendSide }

// Advance implements Sender.
func (v *VideoSender) Advance(now time.Duration) {
	for _, pkt := range v.source.Packets(now) {
		v.send(pkt)
	}
}

func (v *VideoSender) send(pkt Packet) {
	v.packetsSent++
	v.bytesSent += int64(pkt.Size)
	v.scenario.uplink.Send(pkt)
}

// OnFeedback implements Sender.
func (v *VideoSender) OnFeedback(fb Feedback, now time.Duration) {
	v.feedbackCount++
	switch v.kind {
	case RembEstimator:
		remb, err := bwe.ParseREMB(fb.RTCP)
		if err != nil {
			if !errors.Is(err, bwe.ErrNoREMB) {
				v.log.Warnf("flow %d: bad REMB: %v", v.Flow(), err)
			}
			return
		}
		v.setTarget(float64(remb.Bitrate) / 1000)
	case FullSendSideEstimator:
		clk := v.scenario.clock
		for _, a := range fb.Arrivals {
			v.sendSide.OnPacketFeedback(bwe.PacketInfo{
				ArrivalTime:    clk.At(a.ArrivalTime),
				SendTime:       bwe.AbsSendTime(a.SendTime),
				Size:           a.Size,
				SSRC:           v.source.SSRC(),
				SequenceNumber: uint16(a.Sequence),
			})
		}
		if len(fb.RTCP) > 0 {
			report, err := bwe.ParseReceiverReport(fb.RTCP, v.source.SSRC())
			if err != nil {
				v.log.Warnf("flow %d: bad receiver report: %v", v.Flow(), err)
			} else {
				v.sendSide.OnLossReport(report.FractionLost, clk.At(now))
			}
		}
		v.setTarget(float64(v.sendSide.Estimate()) / 1000)
	}
}

func (v *VideoSender) setTarget(kbps float64) {
	v.target = kbps
	v.scenario.metrics.targetKbps.WithLabelValues(flowLabel(v.Flow())).Set(kbps)
	if a, ok := v.source.(AdaptiveSource); ok {
		a.SetBitrate(kbps)
	}
}

// PacedVideoSender is a VideoSender that spreads packets out at 2.5 times
// the encoder rate instead of sending each frame as a burst. A packet's
// SendTime is the time it leaves the pacer.
type PacedVideoSender struct {
	*VideoSender
	queue     deliveryQueue
	pacerFree time.Duration
	queueing  Series
}

// NewPacedVideoSender creates a paced sender for src and attaches it to s.
func NewPacedVideoSender(s *Scenario, src Source, kind EstimatorType) *PacedVideoSender {
	p := &PacedVideoSender{VideoSender: newVideoSender(s, src, kind)}
	s.AddSender(p)
	return p
}

// PacingRate returns the current pacer rate in kbps.
func (p *PacedVideoSender) PacingRate() float64 {
	return pacingFactor * p.source.Bitrate()
}

// QueueDelay returns the time, in ms, each sent packet spent in the pacer.
func (p *PacedVideoSender) QueueDelay() *Series {
	return &p.queueing
}

// Advance implements Sender.
func (p *PacedVideoSender) Advance(now time.Duration) {
	for _, pkt := range p.source.Packets(now) {
		p.queue.push(delivery{pkt: pkt, at: pkt.SendTime})
	}
	for p.queue.len() > 0 {
		head := p.queue.peek()
		sendAt := max(head.at, p.pacerFree)
		if sendAt > now {
			return
		}
		d := p.queue.pop()
		rate := p.PacingRate()
		if rate <= 0 {
			rate = minSourceKbps
		}
		p.pacerFree = sendAt + transmissionTime(d.pkt.Size, rate)
		p.queueing.Add(float64(sendAt-d.at) / float64(time.Millisecond))
		d.pkt.SendTime = sendAt
		p.send(d.pkt)
	}
}

// Pending returns the number of packets waiting in the pacer.
func (p *PacedVideoSender) Pending() int {
	return p.queue.len()
}
