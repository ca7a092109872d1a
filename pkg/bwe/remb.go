package bwe

import (
	"fmt"

	"github.com/pion/rtcp"
)

// REMBPacket is a decoded Receiver Estimated Maximum Bitrate message.
type REMBPacket struct {
	// SenderSSRC identifies the receiver that produced the estimate.
	SenderSSRC uint32
	// Bitrate is the estimate in bits per second.
	Bitrate uint64
	// SSRCs are the media streams the estimate applies to.
	SSRCs []uint32
}

// BuildREMB marshals a REMB RTCP packet. The mantissa/exponent encoding is
// done by pion/rtcp, so large bitrates lose low-order precision.
func BuildREMB(senderSSRC uint32, bitrateBps uint64, mediaSSRCs []uint32) ([]byte, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
	return pkt.Marshal()
}

// ParseREMB finds the REMB inside a (possibly compound) RTCP buffer.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal rtcp: %w", err)
	}
	for _, p := range pkts {
		if remb, ok := p.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			return &REMBPacket{
				SenderSSRC: remb.SenderSSRC,
				Bitrate:    uint64(remb.Bitrate),
				SSRCs:      remb.SSRCs,
			}, nil
		}
	}
	return nil, ErrNoREMB
}

// Marshal marshals the packet.
func (p *REMBPacket) Marshal() ([]byte, error) {
	return BuildREMB(p.SenderSSRC, p.Bitrate, p.SSRCs)
}
