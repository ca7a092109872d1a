// Package clock provides the virtual time source shared by the emulator and
// the estimators it drives.
package clock

import "time"

// DefaultEpoch is the wall-clock instant virtual time zero maps to.
// Starting away from the zero time.Time keeps IsZero checks in estimators meaningful.
var DefaultEpoch = time.Unix(1000000000, 0) // 2001-09-09

// Clock is an interface for obtaining the current time.
// Implementations must return monotonically non-decreasing values.
type Clock interface {
	Now() time.Time
}

// VirtualClock is a Clock that only moves when Advance is called.
// Elapsed virtual time is tracked as a time.Duration offset from an epoch.
// It is not safe for concurrent use.
type VirtualClock struct {
	epoch   time.Time
	elapsed time.Duration
}

// NewVirtualClock creates a VirtualClock at virtual time zero.
// If epoch is zero, DefaultEpoch is used.
func NewVirtualClock(epoch time.Time) *VirtualClock {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return &VirtualClock{epoch: epoch}
}

// Now returns epoch + elapsed.
func (c *VirtualClock) Now() time.Time {
	return c.epoch.Add(c.elapsed)
}

// Elapsed returns the virtual time since the clock was created.
func (c *VirtualClock) Elapsed() time.Duration {
	return c.elapsed
}

// At converts a virtual time offset into the clock's time.Time domain.
func (c *VirtualClock) At(offset time.Duration) time.Time {
	return c.epoch.Add(offset)
}

// Epoch returns the instant corresponding to virtual time zero.
func (c *VirtualClock) Epoch() time.Time {
	return c.epoch
}

// Advance moves the clock forward by d.
// Panics if d is negative to maintain monotonicity.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("VirtualClock.Advance: duration must be non-negative")
	}
	c.elapsed += d
}
