package sim

import (
	"fmt"
	"math"
	"time"
)

// FairnessConfig describes a fairness run: media and bulk flows sharing one
// choke.
type FairnessConfig struct {
	Scenario Config

	// Estimator is used by every media flow.
	Estimator EstimatorType
	// MediaFlows and BulkFlows are the number of flows of each kind.
	MediaFlows int
	BulkFlows  int

	// CapacityKbps is the choke capacity shared by all flows.
	CapacityKbps float64
	// MaxDelay bounds the choke's queueing delay. Zero means unbounded.
	MaxDelay time.Duration
	// OneWayDelay is a propagation delay added after the choke.
	OneWayDelay time.Duration
	// Duration is the virtual run time.
	Duration time.Duration

	// StartKbps is the initial rate of adaptive media flows. Default: 300.
	StartKbps float64
	// ConstantKbps, when positive, makes media flows non-adaptive sources
	// at that rate.
	ConstantKbps float64
	// Paced selects PacedVideoSender for media flows.
	Paced bool
}

// Validate checks the configuration.
func (c FairnessConfig) Validate() error {
	if err := c.Scenario.Validate(); err != nil {
		return err
	}
	switch {
	case c.MediaFlows < 0 || c.BulkFlows < 0:
		return fmt.Errorf("%w: negative flow count", ErrInvalidConfig)
	case c.MediaFlows+c.BulkFlows == 0:
		return fmt.Errorf("%w: no flows", ErrInvalidConfig)
	case c.CapacityKbps <= 0:
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidConfig, c.CapacityKbps)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %v", ErrInvalidConfig, c.Duration)
	case c.MaxDelay < 0 || c.OneWayDelay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	case c.Estimator == TcpEstimator:
		return fmt.Errorf("%w: media flows cannot use the tcp estimator", ErrInvalidConfig)
	}
	return nil
}

// FlowShare is one flow's part of a fairness run.
type FlowShare struct {
	Flow FlowID `json:"flow"`
	// Kind is "media" or "bulk".
	Kind string `json:"kind"`
	// Kbps is the mean received rate over the whole run.
	Kbps float64 `json:"kbps"`
	// Share is the flow's fraction of all received bytes.
	Share float64 `json:"share"`
	Delay Summary `json:"delay_ms"`
	// Throughput is the flow's rate counter, sampled every 100ms.
	Throughput Summary `json:"throughput_kbps"`
}

// FairnessResult summarizes a fairness run.
type FairnessResult struct {
	Flows        []FlowShare `json:"flows"`
	TotalKbps    float64     `json:"total_kbps"`
	CapacityKbps float64     `json:"capacity_kbps"`
	// JainIndex is (sum x)^2 / (n * sum x^2) over the per-flow rates; 1 is
	// perfectly fair, 1/n is one flow taking everything.
	JainIndex float64 `json:"jain_index"`
}

// WithinTolerance reports whether every flow's share is within tol
// (relative) of the equal share 1/n.
func (r *FairnessResult) WithinTolerance(tol float64) bool {
	if len(r.Flows) == 0 {
		return false
	}
	fair := 1 / float64(len(r.Flows))
	for _, f := range r.Flows {
		if math.Abs(f.Share-fair) > tol*fair {
			return false
		}
	}
	return true
}

// Utilization returns the total received rate relative to capacity.
func (r *FairnessResult) Utilization() float64 {
	return r.TotalKbps / r.CapacityKbps
}

// JainIndex computes Jain's fairness index of xs. It returns 0 when xs is
// empty or all zero.
func JainIndex(xs []float64) float64 {
	var sum, sumSq float64
	for _, x := range xs {
		sum += x
		sumSq += x * x
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / (float64(len(xs)) * sumSq)
}

// RunFairness builds and runs a fairness scenario. Media flows come first
// (flow ids 0..MediaFlows-1), then bulk flows. Flow start times are spread
// over one frame interval so no flow is always at the tail of the queue.
func RunFairness(cfg FairnessConfig) (*FairnessResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StartKbps <= 0 {
		cfg.StartKbps = 300
	}
	s := NewScenario(cfg.Scenario)
	defer s.Close()

	const fps = 30
	n := cfg.MediaFlows + cfg.BulkFlows
	frameInterval := time.Second / fps
	kinds := make([]string, n)
	receivers := make([]*PacketReceiver, n)

	for i := range cfg.MediaFlows {
		flow := FlowID(i)
		offset := frameInterval * time.Duration(i) / time.Duration(n)
		ssrc := uint32(0x1000 + i)
		var src Source
		if cfg.ConstantKbps > 0 {
			src = NewVideoSource(flow, fps, cfg.ConstantKbps, ssrc, offset)
		} else {
			src = NewAdaptiveVideoSource(flow, fps, cfg.StartKbps, ssrc, offset)
		}
		if cfg.Paced {
			NewPacedVideoSender(s, src, cfg.Estimator)
		} else {
			NewVideoSender(s, src, cfg.Estimator)
		}
		kinds[i] = "media"
	}
	for i := cfg.MediaFlows; i < n; i++ {
		offset := frameInterval * time.Duration(i) / time.Duration(n)
		NewBulkSender(s, FlowID(i), uint32(0x1000+i), offset)
		kinds[i] = "bulk"
	}

	choke := NewChokeFilter(s.Uplink(), AllFlows)
	choke.SetCapacity(cfg.CapacityKbps)
	if cfg.MaxDelay > 0 {
		choke.SetMaxDelay(cfg.MaxDelay)
	}
	delay := NewDelayFilter(s.Uplink(), AllFlows)
	delay.SetDelay(cfg.OneWayDelay)
	counters := make([]*RateCounterFilter, n)
	for i := range n {
		counters[i] = NewRateCounterFilter(s.Uplink(), Flows(FlowID(i)), fmt.Sprintf("flow-%d", i))
	}

	for i := range n {
		kind := cfg.Estimator
		if kinds[i] == "bulk" {
			kind = TcpEstimator
		}
		receivers[i] = NewPacketReceiver(s, FlowID(i), kind, false)
	}

	s.RunFor(cfg.Duration)

	result := &FairnessResult{CapacityKbps: cfg.CapacityKbps}
	rates := make([]float64, n)
	var totalBytes int64
	for _, r := range receivers {
		totalBytes += r.Bytes()
	}
	if totalBytes == 0 {
		return nil, fmt.Errorf("fairness run %s: %w", s.Name(), ErrNoData)
	}
	for i, r := range receivers {
		rates[i] = float64(r.Bytes()*8) / cfg.Duration.Seconds() / 1000
		delaySummary, _ := r.GetDelayStats().Summary()
		throughput, _ := counters[i].GetBitrateStats().Summary()
		result.Flows = append(result.Flows, FlowShare{
			Flow:       FlowID(i),
			Kind:       kinds[i],
			Kbps:       rates[i],
			Share:      float64(r.Bytes()) / float64(totalBytes),
			Delay:      delaySummary,
			Throughput: throughput,
		})
		result.TotalKbps += rates[i]
	}
	result.JainIndex = JainIndex(rates)
	s.log.Infof("fairness %s: %d flows, jain %.3f, utilization %.2f", s.Name(), n, result.JainIndex, result.Utilization())
	return result, nil
}
