package interceptor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"

	"github.com/thesyncim/bwesim/pkg/bwe"
	"github.com/thesyncim/bwesim/pkg/sim"
)

// ErrClosed is returned by writes and Advance after Close.
var ErrClosed = errors.New("interceptor: link closed")

// rembQueueSize bounds the REMBs waiting for the RTCP reader. Older ones are
// dropped first.
const rembQueueSize = 16

// LinkInterceptor is a Pion interceptor that sends every local RTP stream
// through the uplink of a sim.Scenario. Packets reach the next writer when
// they leave the emulated link, which only happens as virtual time advances.
//
// A scenario is not safe for concurrent use, so every touch of it happens
// under mu. Writes to the next writer happen outside the lock.
type LinkInterceptor struct {
	interceptor.NoOp

	scenario  *sim.Scenario
	estimator *bwe.BandwidthEstimator
	log       logging.LeveledLogger
	streams   sync.Map // SSRC (uint32) -> *streamState

	absExtID atomic.Uint32

	// advanceMu serializes Advance so flushed packets keep their order.
	advanceMu sync.Mutex

	mu       sync.Mutex
	nextFlow sim.FlowID
	pending  []pendingPacket
	rembs    [][]byte
	isClosed bool

	tick   time.Duration
	onREMB func(bitrate float32, ssrcs []uint32)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// InterceptorOption configures a LinkInterceptor.
type InterceptorOption func(*LinkInterceptor)

// WithEstimator replaces the default far-end estimator. It must read time
// from the scenario's clock.
func WithEstimator(e *bwe.BandwidthEstimator) InterceptorOption {
	return func(i *LinkInterceptor) {
		i.estimator = e
	}
}

// WithOnREMB sets a callback invoked for every REMB the far end produces.
func WithOnREMB(fn func(bitrate float32, ssrcs []uint32)) InterceptorOption {
	return func(i *LinkInterceptor) {
		i.onREMB = fn
	}
}

// WithTickInterval advances virtual time by d every d of wall-clock time,
// starting with the first bound stream. Zero leaves time to Advance.
func WithTickInterval(d time.Duration) InterceptorOption {
	return func(i *LinkInterceptor) {
		i.tick = d
	}
}

// NewLinkInterceptor creates an interceptor over s. The interceptor owns s
// from here on and closes it on Close. Filters should be added to s's
// uplink before the first packet is written.
func NewLinkInterceptor(s *sim.Scenario, opts ...InterceptorOption) *LinkInterceptor {
	i := &LinkInterceptor{
		scenario: s,
		log:      s.LoggerFactory().NewLogger("link-interceptor"),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.estimator == nil {
		i.estimator = bwe.NewBandwidthEstimator(bwe.DefaultBandwidthEstimatorConfig(), s.Clock())
	}
	return i
}

// BindLocalStream registers a flow for the stream and returns a writer that
// feeds the emulated uplink instead of the network.
func (i *LinkInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	if i.tick > 0 {
		i.startOnce.Do(func() {
			i.wg.Add(1)
			go i.tickLoop()
		})
	}
	if id := FindAbsSendTimeID(info.RTPHeaderExtensions); id != 0 {
		i.absExtID.CompareAndSwap(0, uint32(id))
	}

	i.mu.Lock()
	state := newStreamState(info.SSRC, i.nextFlow, writer)
	i.nextFlow++
	if !i.isClosed {
		i.scenario.AddReceiver(&egress{link: i, stream: state})
	}
	i.mu.Unlock()

	i.streams.Store(info.SSRC, state)
	i.log.Debugf("ssrc %d bound to flow %d", info.SSRC, state.flow)

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		return i.send(state, header, payload, attributes)
	})
}

// UnbindLocalStream drops the stream. Its packets still inside the link are
// discarded when they come out.
func (i *LinkInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	if v, ok := i.streams.LoadAndDelete(info.SSRC); ok {
		v.(*streamState).unbound.Store(true)
	}
}

// BindRTCPReader returns a reader that yields pending far-end REMBs before
// reading from the network.
func (i *LinkInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		if data, ok := i.popREMB(); ok {
			if len(b) < len(data) {
				return 0, a, io.ErrShortBuffer
			}
			return copy(b, data), interceptor.Attributes{}, nil
		}
		return reader.Read(b, a)
	})
}

func (i *LinkInterceptor) send(state *streamState, header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.isClosed {
		return 0, ErrClosed
	}
	now := i.scenario.Now()

	if id := uint8(i.absExtID.Load()); id != 0 {
		ext := rtp.AbsSendTimeExtension{Timestamp: uint64(bwe.AbsSendTime(now))}
		data, err := ext.Marshal()
		if err != nil {
			return 0, err
		}
		if err := header.SetExtension(id, data); err != nil {
			return 0, fmt.Errorf("set abs-send-time: %w", err)
		}
	}

	size := header.MarshalSize() + len(payload)
	buf := getBuffer(size)
	n, err := header.MarshalTo(buf)
	if err != nil {
		putBuffer(buf)
		return 0, err
	}
	copy(buf[n:], payload)

	i.scenario.Uplink().Send(sim.Packet{
		Flow:     state.flow,
		Sequence: state.seq,
		Size:     size,
		SendTime: now,
		SSRC:     state.ssrc,
		Payload:  buf,
	})
	state.seq++
	state.sent.Add(1)
	return size, nil
}

// observe feeds one delivered packet to the far-end estimator. Called with
// mu held.
func (i *LinkInterceptor) observe(pkt sim.Packet, at time.Duration) {
	info := getPacketInfo()
	info.ArrivalTime = i.scenario.Clock().At(at)
	info.SendTime = bwe.AbsSendTime(pkt.SendTime)
	info.Size = pkt.Size
	info.SSRC = pkt.SSRC
	info.SequenceNumber = uint16(pkt.Sequence)
	i.estimator.OnPacket(*info)
	putPacketInfo(info)
}

// Advance moves virtual time forward by d, forwards every packet that left
// the link meanwhile and collects a REMB if one is due.
func (i *LinkInterceptor) Advance(d time.Duration) error {
	i.advanceMu.Lock()
	defer i.advanceMu.Unlock()

	i.mu.Lock()
	if i.isClosed {
		i.mu.Unlock()
		return ErrClosed
	}
	i.scenario.RunFor(d)
	out := i.pending
	i.pending = nil
	remb := i.maybeREMB()
	i.mu.Unlock()

	var errs []error
	for _, p := range out {
		if err := p.forward(); err != nil {
			errs = append(errs, err)
		}
	}
	if remb != nil && i.onREMB != nil {
		i.onREMB(float32(remb.Bitrate), remb.SSRCs)
	}
	return errors.Join(errs...)
}

func (p pendingPacket) forward() error {
	defer putBuffer(p.raw)
	var pkt rtp.Packet
	if err := pkt.Unmarshal(p.raw); err != nil {
		return fmt.Errorf("ssrc %d: %w", p.stream.ssrc, err)
	}
	if _, err := p.stream.writer.Write(&pkt.Header, pkt.Payload, interceptor.Attributes{}); err != nil {
		return fmt.Errorf("ssrc %d: %w", p.stream.ssrc, err)
	}
	p.stream.delivered.Add(1)
	return nil
}

// maybeREMB queues a REMB for the RTCP reader when the far end has one due.
// Called with mu held.
func (i *LinkInterceptor) maybeREMB() *bwe.REMBPacket {
	if len(i.estimator.SSRCs()) == 0 {
		return nil
	}
	data, ok, err := i.estimator.MaybeBuildREMB(i.scenario.Clock().Now())
	if err != nil {
		i.log.Warnf("build REMB: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	remb, err := bwe.ParseREMB(data)
	if err != nil {
		i.log.Warnf("parse REMB: %v", err)
		return nil
	}
	if len(i.rembs) == rembQueueSize {
		i.rembs = i.rembs[1:]
	}
	i.rembs = append(i.rembs, data)
	return remb
}

func (i *LinkInterceptor) popREMB() ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.rembs) == 0 {
		return nil, false
	}
	data := i.rembs[0]
	i.rembs = i.rembs[1:]
	return data, true
}

func (i *LinkInterceptor) tickLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.tick)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			if err := i.Advance(i.tick); err != nil && !errors.Is(err, ErrClosed) {
				i.log.Warnf("advance: %v", err)
			}
		}
	}
}

// Now returns the current virtual time.
func (i *LinkInterceptor) Now() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.scenario.Now()
}

// Estimate returns the far-end estimate in bps.
func (i *LinkInterceptor) Estimate() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.estimator.Estimate()
}

// Stats returns the counters of the stream with the given SSRC.
func (i *LinkInterceptor) Stats(ssrc uint32) (StreamStats, bool) {
	v, ok := i.streams.Load(ssrc)
	if !ok {
		return StreamStats{}, false
	}
	return v.(*streamState).stats(), true
}

// Scenario returns the emulated link. Touching it while the interceptor is
// in use races with the writers; configure it before the first packet or
// through the filters' own setters between Advance calls.
func (i *LinkInterceptor) Scenario() *sim.Scenario {
	return i.scenario
}

// Close stops the ticker and closes the scenario. Packets still in the link
// are dropped.
func (i *LinkInterceptor) Close() error {
	var err error
	i.closeOnce.Do(func() {
		close(i.closed)
		i.wg.Wait()

		i.advanceMu.Lock()
		defer i.advanceMu.Unlock()
		i.mu.Lock()
		defer i.mu.Unlock()
		i.isClosed = true
		for _, p := range i.pending {
			putBuffer(p.raw)
		}
		i.pending = nil
		err = i.scenario.Close()
	})
	return err
}
