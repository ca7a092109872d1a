package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClock_DefaultsEpoch(t *testing.T) {
	c := NewVirtualClock(time.Time{})
	assert.Equal(t, DefaultEpoch, c.Now())
	assert.Equal(t, time.Duration(0), c.Elapsed())
}

func TestVirtualClock_Advance(t *testing.T) {
	epoch := time.Unix(42, 0)
	c := NewVirtualClock(epoch)

	c.Advance(1500 * time.Millisecond)
	c.Advance(0)

	assert.Equal(t, 1500*time.Millisecond, c.Elapsed())
	assert.Equal(t, epoch.Add(1500*time.Millisecond), c.Now())
	assert.Equal(t, epoch.Add(time.Second), c.At(time.Second))
	assert.Equal(t, epoch, c.Epoch())
}

func TestVirtualClock_AdvanceNegativePanics(t *testing.T) {
	c := NewVirtualClock(time.Time{})
	assert.Panics(t, func() { c.Advance(-time.Millisecond) })
}
