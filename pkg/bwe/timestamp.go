package bwe

import "time"

// absSendTimePeriod is the span of the 24-bit abs-send-time clock.
const absSendTimePeriod = 64 * time.Second

// AbsSendTime encodes an offset from the sender's time origin as a 24-bit
// abs-send-time value. The result wraps every 64 seconds. Negative offsets
// wrap the same way.
func AbsSendTime(offset time.Duration) uint32 {
	// An unreduced offset overflows int64 once shifted, past about 9.7h.
	rem := offset % absSendTimePeriod
	if rem < 0 {
		rem += absSendTimePeriod
	}
	units := rem.Nanoseconds() << 18 / int64(time.Second)
	return uint32(units) & (AbsSendTimeMax - 1)
}

// AbsSendTimeToDuration converts a 24-bit abs-send-time value to a duration.
// Value 1<<18 is exactly one second.
func AbsSendTimeToDuration(value uint32) time.Duration {
	return time.Duration(float64(value) * AbsSendTimeResolution * float64(time.Second))
}

// UnwrapAbsSendTime returns the signed delta curr-prev in abs-send-time
// units. Deltas larger than half the range are taken to have crossed the
// 64 second wrap.
func UnwrapAbsSendTime(prev, curr uint32) int64 {
	diff := int64(curr) - int64(prev)
	const half = AbsSendTimeMax / 2
	switch {
	case diff > half:
		diff -= AbsSendTimeMax
	case diff < -half:
		diff += AbsSendTimeMax
	}
	return diff
}

// UnwrapAbsSendTimeDuration is UnwrapAbsSendTime converted to a duration.
func UnwrapAbsSendTimeDuration(prev, curr uint32) time.Duration {
	delta := UnwrapAbsSendTime(prev, curr)
	return time.Duration(float64(delta) * AbsSendTimeResolution * float64(time.Second))
}
