package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAbsSendTime(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   uint32
	}{
		{"zero", 0, 0},
		{"one second", time.Second, 1 << 18},
		{"half second", 500 * time.Millisecond, 1 << 17},
		{"wraps at 64s", 64 * time.Second, 0},
		{"past the wrap", 65 * time.Second, 1 << 18},
		{"nine hours", 9 * time.Hour, 1 << 22},
		{"ten hours", 10 * time.Hour, 1 << 23},
		{"one day", 24 * time.Hour, 0},
		{"one day and a half second", 24*time.Hour + 500*time.Millisecond, 1 << 17},
		{"negative", -time.Second, 63 << 18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AbsSendTime(tt.offset)
			assert.Equal(t, tt.want, got)
			assert.Less(t, got, uint32(AbsSendTimeMax))
		})
	}
}

func TestAbsSendTimeToDuration(t *testing.T) {
	assert.Equal(t, time.Second, AbsSendTimeToDuration(1<<18))
	assert.Equal(t, time.Duration(0), AbsSendTimeToDuration(0))
	// One unit is just under 3.82us.
	assert.InDelta(t, 3815, float64(AbsSendTimeToDuration(1)), 1)
}

func TestUnwrapAbsSendTime(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr uint32
		want       int64
	}{
		{"forward", 100, 200, 100},
		{"backward", 200, 100, -100},
		{"forward across wrap", AbsSendTimeMax - 10, 5, 15},
		{"backward across wrap", 5, AbsSendTimeMax - 10, -15},
		{"equal", 42, 42, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnwrapAbsSendTime(tt.prev, tt.curr))
		})
	}
	assert.Equal(t, time.Second, UnwrapAbsSendTimeDuration(AbsSendTimeMax-(1<<17), 1<<17))
}
