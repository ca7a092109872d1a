package interceptor

import (
	"sync"
	"sync/atomic"

	"github.com/thesyncim/bwesim/pkg/bwe"
)

// packetInfoPool recycles the estimator input built for every delivered packet.
var packetInfoPool = sync.Pool{
	New: func() any {
		return &bwe.PacketInfo{}
	},
}

func getPacketInfo() *bwe.PacketInfo {
	return packetInfoPool.Get().(*bwe.PacketInfo)
}

func putPacketInfo(pkt *bwe.PacketInfo) {
	*pkt = bwe.PacketInfo{}
	packetInfoPool.Put(pkt)
}

// bufferPool holds serialized packets while they cross the emulated link.
// Packets dropped by a filter never come back; the GC takes them.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1500)
		return &b
	},
}

// buffersOut counts buffers taken with getBuffer and not yet put back.
// Buffers of packets dropped inside the link stay counted.
var buffersOut atomic.Int64

// getBuffer returns a buffer of length n.
func getBuffer(n int) []byte {
	buffersOut.Add(1)
	bp := bufferPool.Get().(*[]byte)
	if cap(*bp) < n {
		return make([]byte, n)
	}
	return (*bp)[:n]
}

func putBuffer(b []byte) {
	buffersOut.Add(-1)
	b = b[:0]
	bufferPool.Put(&b)
}
