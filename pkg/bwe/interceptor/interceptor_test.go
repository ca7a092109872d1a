package interceptor

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/bwesim/pkg/bwe"
	"github.com/thesyncim/bwesim/pkg/sim"
)

const testExtID = 3

// captureRTPWriter records every packet handed to the next writer.
type captureRTPWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (c *captureRTPWriter) Write(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, &rtp.Packet{
		Header:  header.Clone(),
		Payload: append([]byte(nil), payload...),
	})
	return header.MarshalSize() + len(payload), nil
}

func (c *captureRTPWriter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *captureRTPWriter) Packets() []*rtp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*rtp.Packet(nil), c.packets...)
}

func streamInfo(ssrc uint32, withAbsSendTime bool) *interceptor.StreamInfo {
	info := &interceptor.StreamInfo{SSRC: ssrc}
	if withAbsSendTime {
		info.RTPHeaderExtensions = []interceptor.RTPHeaderExtension{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
			{URI: AbsSendTimeURI, ID: testExtID},
		}
	}
	return info
}

func writePacket(t testing.TB, w interceptor.RTPWriter, ssrc uint32, seq uint16, payloadSize int) {
	t.Helper()
	header := &rtp.Header{
		Version:        2,
		PayloadType:    96,
		SequenceNumber: seq,
		Timestamp:      uint32(seq) * 3000,
		SSRC:           ssrc,
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(seq) + byte(i)
	}
	_, err := w.Write(header, payload, nil)
	require.NoError(t, err)
}

// newTestLink returns an interceptor over a fresh scenario whose uplink is
// built by link.
func newTestLink(t *testing.T, link func(u *sim.Uplink), opts ...InterceptorOption) *LinkInterceptor {
	t.Helper()
	s := sim.NewScenario(sim.DefaultConfig())
	if link != nil {
		link(s.Uplink())
	}
	i := NewLinkInterceptor(s, opts...)
	t.Cleanup(func() { _ = i.Close() })
	return i
}

func TestFindExtensionID(t *testing.T) {
	exts := streamInfo(1, true).RTPHeaderExtensions
	assert.Equal(t, uint8(testExtID), FindAbsSendTimeID(exts))
	assert.Equal(t, uint8(1), FindExtensionID(exts, "urn:ietf:params:rtp-hdrext:sdes:mid"))
	assert.Zero(t, FindExtensionID(exts, "urn:example:missing"))
	assert.Zero(t, FindAbsSendTimeID(nil))
}

func TestLinkInterceptor_ForwardsUnchanged(t *testing.T) {
	i := newTestLink(t, nil)
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(0xAAAA, false), out)

	writePacket(t, w, 0xAAAA, 100, 200)
	assert.Zero(t, out.Len(), "nothing leaves before virtual time moves")

	require.NoError(t, i.Advance(0))
	pkts := out.Packets()
	require.Len(t, pkts, 1)
	assert.Equal(t, uint16(100), pkts[0].SequenceNumber)
	assert.Equal(t, uint32(0xAAAA), pkts[0].SSRC)
	assert.False(t, pkts[0].Extension, "no extension without negotiation")
	require.Len(t, pkts[0].Payload, 200)
	assert.Equal(t, byte(100), pkts[0].Payload[0])
	assert.Equal(t, byte((100+199)%256), pkts[0].Payload[199])

	stats, ok := i.Stats(0xAAAA)
	require.True(t, ok)
	assert.Equal(t, StreamStats{Flow: 0, Sent: 1, Delivered: 1}, stats)
}

func TestLinkInterceptor_StampsAbsSendTime(t *testing.T) {
	i := newTestLink(t, nil)
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(1, true), out)

	writePacket(t, w, 1, 1, 100)
	require.NoError(t, i.Advance(100*time.Millisecond))
	writePacket(t, w, 1, 2, 100)
	require.NoError(t, i.Advance(0))

	pkts := out.Packets()
	require.Len(t, pkts, 2)
	want := []uint32{0, bwe.AbsSendTime(100 * time.Millisecond)}
	for n, p := range pkts {
		var ext rtp.AbsSendTimeExtension
		require.NoError(t, ext.Unmarshal(p.GetExtension(testExtID)))
		assert.Equal(t, uint64(want[n]), ext.Timestamp)
	}
	assert.Equal(t, uint32(26214), want[1])
}

func TestLinkInterceptor_Delay(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewDelayFilter(u, sim.AllFlows).SetDelayMs(50)
	})
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(1, true), out)

	writePacket(t, w, 1, 1, 100)
	require.NoError(t, i.Advance(49*time.Millisecond))
	assert.Zero(t, out.Len())
	require.NoError(t, i.Advance(time.Millisecond))
	assert.Equal(t, 1, out.Len())
	assert.Equal(t, 50*time.Millisecond, i.Now())
}

func TestLinkInterceptor_Choke(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewChokeFilter(u, sim.AllFlows).SetCapacity(800)
	})
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(1, false), out)

	// 12-byte header plus 1188 bytes is 12ms at 800 kbps.
	for seq := range uint16(10) {
		writePacket(t, w, 1, seq, 1188)
	}
	require.NoError(t, i.Advance(50*time.Millisecond))
	assert.Equal(t, 4, out.Len(), "done at 12, 24, 36 and 48ms")

	require.NoError(t, i.Advance(150*time.Millisecond))
	pkts := out.Packets()
	require.Len(t, pkts, 10)
	for n, p := range pkts {
		assert.Equal(t, uint16(n), p.SequenceNumber, "a FIFO link keeps order")
	}
}

func TestLinkInterceptor_Loss(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewLossFilter(u, sim.AllFlows).SetLoss(100)
	})
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(1, false), out)

	for seq := range uint16(20) {
		writePacket(t, w, 1, seq, 100)
	}
	require.NoError(t, i.Advance(time.Second))

	assert.Zero(t, out.Len())
	stats, ok := i.Stats(1)
	require.True(t, ok)
	assert.Equal(t, int64(20), stats.Sent)
	assert.Zero(t, stats.Delivered)
}

func TestLinkInterceptor_PerStreamFilters(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		// Streams get flows in bind order.
		sim.NewLossFilter(u, sim.Flows(1)).SetLoss(100)
	})
	kept, lost := &captureRTPWriter{}, &captureRTPWriter{}
	wk := i.BindLocalStream(streamInfo(10, false), kept)
	wl := i.BindLocalStream(streamInfo(20, false), lost)

	for seq := range uint16(5) {
		writePacket(t, wk, 10, seq, 100)
		writePacket(t, wl, 20, seq, 100)
	}
	require.NoError(t, i.Advance(10*time.Millisecond))

	assert.Equal(t, 5, kept.Len())
	assert.Zero(t, lost.Len())
	stats, ok := i.Stats(20)
	require.True(t, ok)
	assert.Equal(t, sim.FlowID(1), stats.Flow)
}

func TestLinkInterceptor_Unbind(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewDelayFilter(u, sim.AllFlows).SetDelayMs(50)
	})
	out := &captureRTPWriter{}
	info := streamInfo(1, false)
	w := i.BindLocalStream(info, out)

	writePacket(t, w, 1, 1, 100)
	i.UnbindLocalStream(info)
	require.NoError(t, i.Advance(100*time.Millisecond))

	assert.Zero(t, out.Len(), "packets of an unbound stream are discarded")
	_, ok := i.Stats(1)
	assert.False(t, ok)
}

func TestLinkInterceptor_UnbindReleasesBuffers(t *testing.T) {
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewDelayFilter(u, sim.AllFlows).SetDelayMs(50)
	})
	info := streamInfo(1, false)
	w := i.BindLocalStream(info, &captureRTPWriter{})

	before := buffersOut.Load()
	for seq := range uint16(3) {
		writePacket(t, w, 1, seq, 100)
	}
	assert.Equal(t, before+3, buffersOut.Load(), "buffers held while in the link")

	i.UnbindLocalStream(info)
	require.NoError(t, i.Advance(100*time.Millisecond))
	assert.Equal(t, before, buffersOut.Load(), "buffers of an unbound stream go back to the pool")
}

func TestLinkInterceptor_CloseReleasesPending(t *testing.T) {
	i := newTestLink(t, nil)
	w := i.BindLocalStream(streamInfo(1, false), &captureRTPWriter{})

	before := buffersOut.Load()
	writePacket(t, w, 1, 1, 100)
	writePacket(t, w, 1, 2, 100)
	require.NoError(t, i.Advance(time.Millisecond))
	assert.Equal(t, before, buffersOut.Load(), "forwarded packets return their buffers")

	// Without filters the packet reaches the far end at once and waits for
	// the next Advance.
	writePacket(t, w, 1, 3, 100)
	assert.Equal(t, before+1, buffersOut.Load())
	require.NoError(t, i.Close())
	assert.Equal(t, before, buffersOut.Load())
}

func TestLinkInterceptor_REMB(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []float32
		ssrcs []uint32
	)
	i := newTestLink(t, func(u *sim.Uplink) {
		sim.NewDelayFilter(u, sim.AllFlows).SetDelayMs(20)
	}, WithOnREMB(func(bitrate float32, s []uint32) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, bitrate)
		ssrcs = s
	}))
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(0x5555, true), out)
	reader := i.BindRTCPReader(interceptor.RTCPReaderFunc(
		func([]byte, interceptor.Attributes) (int, interceptor.Attributes, error) {
			return 0, nil, io.EOF
		}))

	// No REMB before the far end has seen a packet.
	require.NoError(t, i.Advance(100*time.Millisecond))
	assert.Empty(t, calls)

	for seq := range uint16(300) {
		writePacket(t, w, 0x5555, seq, 988)
		require.NoError(t, i.Advance(10*time.Millisecond))
	}

	mu.Lock()
	require.NotEmpty(t, calls)
	assert.Equal(t, []uint32{0x5555}, ssrcs)
	for _, c := range calls {
		assert.Positive(t, c)
	}
	mu.Unlock()
	assert.Greater(t, out.Len(), 290)

	var rembs int
	buf := make([]byte, 1500)
	for {
		n, _, err := reader.Read(buf, nil)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		remb, err := bwe.ParseREMB(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, []uint32{0x5555}, remb.SSRCs)
		rembs++
	}
	assert.Equal(t, min(len(calls), rembQueueSize), rembs, "REMBs reach the RTCP reader")
}

func TestLinkInterceptor_RTCPShortBuffer(t *testing.T) {
	i := newTestLink(t, nil)
	w := i.BindLocalStream(streamInfo(1, true), &captureRTPWriter{})
	reader := i.BindRTCPReader(interceptor.RTCPReaderFunc(
		func([]byte, interceptor.Attributes) (int, interceptor.Attributes, error) {
			return 0, nil, io.EOF
		}))

	writePacket(t, w, 1, 1, 100)
	require.NoError(t, i.Advance(time.Millisecond))

	_, _, err := reader.Read(make([]byte, 4), nil)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestLinkInterceptor_TickInterval(t *testing.T) {
	i := newTestLink(t, nil, WithTickInterval(5*time.Millisecond))
	out := &captureRTPWriter{}
	w := i.BindLocalStream(streamInfo(1, false), out)

	writePacket(t, w, 1, 1, 100)
	assert.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return i.Now() > 0 }, time.Second, 5*time.Millisecond)
}

func TestLinkInterceptor_Close(t *testing.T) {
	s := sim.NewScenario(sim.DefaultConfig())
	i := NewLinkInterceptor(s, WithTickInterval(time.Millisecond))
	w := i.BindLocalStream(streamInfo(1, false), &captureRTPWriter{})

	require.NoError(t, i.Close())
	require.NoError(t, i.Close(), "Close is idempotent")

	assert.ErrorIs(t, i.Advance(time.Millisecond), ErrClosed)
	_, err := w.Write(&rtp.Header{SSRC: 1}, []byte{1}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
