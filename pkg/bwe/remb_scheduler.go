package bwe

import "time"

// REMBSchedulerConfig configures when REMB packets are emitted.
type REMBSchedulerConfig struct {
	// Interval is the regular send interval.
	Interval time.Duration
	// DecreaseThreshold is the relative drop that triggers an immediate send.
	DecreaseThreshold float64
	// SenderSSRC is written into every REMB.
	SenderSSRC uint32
}

// DefaultREMBSchedulerConfig returns a 1s interval with a 3% decrease trigger.
func DefaultREMBSchedulerConfig() REMBSchedulerConfig {
	return REMBSchedulerConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// REMBScheduler decides when a new REMB is due: every Interval, or at once
// when the estimate falls by at least DecreaseThreshold.
type REMBScheduler struct {
	config    REMBSchedulerConfig
	lastSent  time.Time
	lastValue int64
}

// NewREMBScheduler creates a scheduler. A non-positive interval selects one second.
func NewREMBScheduler(config REMBSchedulerConfig) *REMBScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &REMBScheduler{config: config}
}

// ShouldSend reports whether a REMB carrying estimate is due at now.
func (s *REMBScheduler) ShouldSend(estimate int64, now time.Time) bool {
	if s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval {
		return true
	}
	if s.lastValue > 0 {
		drop := float64(s.lastValue-estimate) / float64(s.lastValue)
		return drop >= s.config.DecreaseThreshold
	}
	return false
}

// MaybeBuild returns a marshaled REMB and true when one is due, recording
// the send.
func (s *REMBScheduler) MaybeBuild(estimate int64, ssrcs []uint32, now time.Time) ([]byte, bool, error) {
	if !s.ShouldSend(estimate, now) {
		return nil, false, nil
	}
	data, err := BuildREMB(s.config.SenderSSRC, uint64(estimate), ssrcs)
	if err != nil {
		return nil, false, err
	}
	s.lastSent = now
	s.lastValue = estimate
	return data, true, nil
}

// LastSentValue returns the estimate carried by the last REMB, 0 if none.
func (s *REMBScheduler) LastSentValue() int64 {
	return s.lastValue
}

// Reset forgets the last send.
func (s *REMBScheduler) Reset() {
	s.lastSent = time.Time{}
	s.lastValue = 0
}
