package bwe

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestREMB_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		bitrate uint64
		ssrcs   []uint32
	}{
		{"low", 50_000, []uint32{0x1234}},
		{"typical", 500_000, []uint32{0x1234, 0x5678}},
		{"high", 25_000_000, []uint32{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := BuildREMB(0xABCD, tt.bitrate, tt.ssrcs)
			require.NoError(t, err)

			got, err := ParseREMB(data)
			require.NoError(t, err)
			assert.Equal(t, uint32(0xABCD), got.SenderSSRC)
			assert.Equal(t, tt.ssrcs, got.SSRCs)
			// The wire format has an 18-bit mantissa.
			assert.InEpsilon(t, float64(tt.bitrate), float64(got.Bitrate), 1e-4)

			again, err := got.Marshal()
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestParseREMB_Compound(t *testing.T) {
	data, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1},
		&rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 1, Bitrate: 400_000, SSRCs: []uint32{9}},
	})
	require.NoError(t, err)

	got, err := ParseREMB(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), got.Bitrate)
}

func TestParseREMB_Errors(t *testing.T) {
	rr, err := BuildReceiverReport(1, rtcp.ReceptionReport{SSRC: 2})
	require.NoError(t, err)
	_, err = ParseREMB(rr)
	assert.ErrorIs(t, err, ErrNoREMB)

	_, err = ParseREMB([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoREMB)
}

func TestREMBScheduler(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	ssrcs := []uint32{0x1234}

	data, ok, err := s.MaybeBuild(300_000, ssrcs, testEpoch)
	require.NoError(t, err)
	require.True(t, ok, "the first REMB goes out at once")
	require.NotEmpty(t, data)
	assert.Equal(t, int64(300_000), s.LastSentValue())

	_, ok, _ = s.MaybeBuild(299_000, ssrcs, testEpoch.Add(200*time.Millisecond))
	assert.False(t, ok, "a small drop waits for the interval")

	_, ok, _ = s.MaybeBuild(310_000, ssrcs, testEpoch.Add(300*time.Millisecond))
	assert.False(t, ok, "increases wait for the interval")

	_, ok, _ = s.MaybeBuild(290_000, ssrcs, testEpoch.Add(400*time.Millisecond))
	assert.True(t, ok, "a 3%% drop is sent immediately")
	assert.Equal(t, int64(290_000), s.LastSentValue())

	_, ok, _ = s.MaybeBuild(290_000, ssrcs, testEpoch.Add(1399*time.Millisecond))
	assert.False(t, ok)
	_, ok, _ = s.MaybeBuild(290_000, ssrcs, testEpoch.Add(1400*time.Millisecond))
	assert.True(t, ok, "regular interval")

	s.Reset()
	assert.Zero(t, s.LastSentValue())
	assert.True(t, s.ShouldSend(1, testEpoch.Add(1500*time.Millisecond)))
}

func TestREMBScheduler_DefaultInterval(t *testing.T) {
	s := NewREMBScheduler(REMBSchedulerConfig{})
	assert.Equal(t, time.Second, s.config.Interval)
}
