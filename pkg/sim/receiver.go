package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/bwesim/pkg/bwe"
)

// EstimatorType selects how a flow is estimated and what feedback its
// receiver sends.
type EstimatorType int

const (
	// NullEstimator sends no feedback.
	NullEstimator EstimatorType = iota
	// RembEstimator runs the receiver-side estimator and feeds back REMB.
	RembEstimator
	// FullSendSideEstimator feeds back per-packet arrivals and receiver
	// reports every 100ms; the sender estimates.
	FullSendSideEstimator
	// TcpEstimator acknowledges every packet, for BulkSender flows.
	TcpEstimator
)

// String implements fmt.Stringer.
func (e EstimatorType) String() string {
	switch e {
	case NullEstimator:
		return "null"
	case RembEstimator:
		return "remb"
	case FullSendSideEstimator:
		return "send-side"
	case TcpEstimator:
		return "tcp"
	default:
		return fmt.Sprintf("EstimatorType(%d)", int(e))
	}
}

// ParseEstimatorType is the inverse of EstimatorType.String.
func ParseEstimatorType(s string) (EstimatorType, error) {
	switch strings.ToLower(s) {
	case "null", "none":
		return NullEstimator, nil
	case "remb":
		return RembEstimator, nil
	case "send-side", "sendside", "full-send-side":
		return FullSendSideEstimator, nil
	case "tcp":
		return TcpEstimator, nil
	}
	return 0, fmt.Errorf("%w: unknown estimator %q", ErrInvalidConfig, s)
}

const (
	feedbackInterval = 100 * time.Millisecond
	receiverSSRC     = 0x5EED
)

// PacketReceiver is the end of a flow. It records delay and throughput,
// feeds arrivals to the flow's estimator and sends feedback to the sender.
type PacketReceiver struct {
	scenario *Scenario
	flow     FlowID
	kind     EstimatorType
	label    string
	plot     bool
	log      logging.LeveledLogger

	inbox        []delivery
	remb         *bwe.BandwidthEstimator
	loss         bwe.LossTracker
	arrivals     []ArrivalRecord
	lastFeedback time.Duration
	ssrc         uint32

	rate       *bwe.RateStats
	firstAt    time.Duration
	started    bool
	nextSample time.Duration

	delay      Series
	throughput Series
	packets    int64
	bytes      int64
	maxSeq     uint64
	estimate   float64
}

// NewPacketReceiver creates the receiver of flow and attaches it to s. With
// plot set, every delay sample and estimate is written to the scenario's
// PlotWriter as "PLOT\t<label>\t<seconds>\t<value>".
func NewPacketReceiver(s *Scenario, flow FlowID, kind EstimatorType, plot bool) *PacketReceiver {
	r := &PacketReceiver{
		scenario: s,
		flow:     flow,
		kind:     kind,
		label:    fmt.Sprintf("flow%d", flow),
		plot:     plot,
		log:      s.loggerFactory.NewLogger("receiver"),
		rate:     bwe.NewRateStats(bwe.DefaultRateStatsConfig()),
	}
	if kind == RembEstimator {
		r.remb = bwe.NewBandwidthEstimator(bwe.DefaultBandwidthEstimatorConfig(), s.clock)
	}
	s.AddReceiver(r)
	return r
}

// Flow implements Receiver.
func (r *PacketReceiver) Flow() FlowID { return r.flow }

// Kind returns the estimator type.
func (r *PacketReceiver) Kind() EstimatorType { return r.kind }

// GetDelayStats returns the one-way delay, in ms, of every received packet.
func (r *PacketReceiver) GetDelayStats() *Series { return &r.delay }

// GetBitrateStats returns the received rate in kbps, sampled every 100ms
// once one second of data has been received.
func (r *PacketReceiver) GetBitrateStats() *Series { return &r.throughput }

// Lost returns the number of packets missing below the highest sequence
// number received.
func (r *PacketReceiver) Lost() int64 {
	if !r.started {
		return 0
	}
	return max(0, int64(r.maxSeq+1)-r.packets)
}

// Packets returns the number of packets received.
func (r *PacketReceiver) Packets() int64 { return r.packets }

// Bytes returns the number of bytes received.
func (r *PacketReceiver) Bytes() int64 { return r.bytes }

// Estimate returns the latest estimate in kbps known at the receiver. For
// send-side flows it is zero; ask the sender instead.
func (r *PacketReceiver) Estimate() float64 { return r.estimate }

// Estimator returns the receiver-side estimator of REMB flows.
func (r *PacketReceiver) Estimator() *bwe.BandwidthEstimator { return r.remb }

// Deliver implements Receiver.
func (r *PacketReceiver) Deliver(pkt Packet, at time.Duration) {
	r.inbox = append(r.inbox, delivery{pkt: pkt, at: at})
}

// Advance implements Receiver.
func (r *PacketReceiver) Advance(now time.Duration) {
	for _, d := range r.inbox {
		r.receive(d.pkt, d.at)
	}
	clear(r.inbox)
	r.inbox = r.inbox[:0]

	r.sampleThroughput(now)
	r.maybeSendFeedback(now)
}

func (r *PacketReceiver) receive(pkt Packet, at time.Duration) {
	clk := r.scenario.clock
	r.packets++
	r.bytes += int64(pkt.Size)
	r.ssrc = pkt.SSRC
	r.maxSeq = max(r.maxSeq, pkt.Sequence)
	if !r.started {
		r.started = true
		r.firstAt = at
		r.nextSample = at + time.Second
	}
	r.rate.Update(int64(pkt.Size), clk.At(at))

	delayMs := float64(at-pkt.SendTime) / float64(time.Millisecond)
	r.delay.Add(delayMs)
	r.scenario.metrics.packetDelay.WithLabelValues(flowLabel(r.flow)).Observe(delayMs)
	r.plotValue("delay_ms", at, delayMs)

	r.loss.OnPacket(uint16(pkt.Sequence))
	switch r.kind {
	case RembEstimator:
		bps := r.remb.OnPacket(bwe.PacketInfo{
			ArrivalTime:    clk.At(at),
			SendTime:       bwe.AbsSendTime(pkt.SendTime),
			Size:           pkt.Size,
			SSRC:           pkt.SSRC,
			SequenceNumber: uint16(pkt.Sequence),
		})
		r.setEstimate(float64(bps)/1000, at)
	case FullSendSideEstimator, TcpEstimator:
		r.arrivals = append(r.arrivals, ArrivalRecord{
			Sequence:    pkt.Sequence,
			SendTime:    pkt.SendTime,
			ArrivalTime: at,
			Size:        pkt.Size,
		})
	}
}

func (r *PacketReceiver) setEstimate(kbps float64, at time.Duration) {
	if kbps == r.estimate {
		return
	}
	r.estimate = kbps
	r.scenario.metrics.estimateKbps.WithLabelValues(flowLabel(r.flow)).Set(kbps)
	r.plotValue("estimate_kbps", at, kbps)
}

func (r *PacketReceiver) sampleThroughput(now time.Duration) {
	if !r.started {
		return
	}
	clk := r.scenario.clock
	for r.nextSample <= now {
		bps, _ := r.rate.Rate(clk.At(r.nextSample))
		r.throughput.Add(float64(bps) / 1000)
		r.nextSample += feedbackInterval
	}
}

func (r *PacketReceiver) maybeSendFeedback(now time.Duration) {
	switch r.kind {
	case RembEstimator:
		if r.packets == 0 {
			return
		}
		data, ok, err := r.remb.MaybeBuildREMB(r.scenario.clock.At(now))
		if err != nil {
			r.log.Warnf("flow %d: build REMB: %v", r.flow, err)
			return
		}
		if ok {
			r.scenario.sendFeedback(Feedback{Flow: r.flow, CreatedAt: now, RTCP: data})
		}
	case FullSendSideEstimator:
		if now-r.lastFeedback < feedbackInterval || len(r.arrivals) == 0 {
			return
		}
		r.lastFeedback = now
		data, err := bwe.BuildReceiverReport(receiverSSRC, r.loss.Report(r.ssrc))
		if err != nil {
			r.log.Warnf("flow %d: build receiver report: %v", r.flow, err)
			data = nil
		}
		r.scenario.sendFeedback(Feedback{Flow: r.flow, CreatedAt: now, RTCP: data, Arrivals: r.takeArrivals()})
	case TcpEstimator:
		if len(r.arrivals) == 0 {
			return
		}
		r.scenario.sendFeedback(Feedback{Flow: r.flow, CreatedAt: now, Arrivals: r.takeArrivals()})
	}
}

func (r *PacketReceiver) takeArrivals() []ArrivalRecord {
	out := r.arrivals
	r.arrivals = nil
	return out
}

func (r *PacketReceiver) plotValue(series string, at time.Duration, value float64) {
	if !r.plot {
		return
	}
	fmt.Fprintf(r.scenario.plot, "PLOT\t%s:%s\t%.3f\t%.2f\n", r.label, series, at.Seconds(), value)
}
