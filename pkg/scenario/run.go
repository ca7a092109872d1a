package scenario

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/pion/logging"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// ErrNoTraces is returned when a file uses a trace filter but no trace
// directory was given.
var ErrNoTraces = errors.New("scenario: trace filter without a trace directory")

// Options configure how a File is built.
type Options struct {
	// Traces resolves trace filter files.
	Traces fs.FS
	// LoggerFactory is passed to the scenario. Default: pion's default factory.
	LoggerFactory logging.LoggerFactory
	// PlotWriter receives plot lines from flows with plotting enabled.
	PlotWriter io.Writer
	// Seed, when non-zero, overrides the file's seed.
	Seed uint64
}

// Run is a scenario built from a File, ready to execute.
type Run struct {
	file      *File
	scenario  *sim.Scenario
	filters   map[string]sim.Filter
	receivers []*sim.PacketReceiver
	counter   *sim.RateCounterFilter
	log       logging.LeveledLogger
}

// Build creates the scenario described by f. Nothing runs until Execute.
func Build(f *File, opts Options) (*Run, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cfg := sim.DefaultConfig()
	cfg.Name = f.Name
	cfg.Seed = f.Seed
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	cfg.Step = f.Step
	cfg.FeedbackDelay = f.FeedbackDelay
	cfg.LoggerFactory = opts.LoggerFactory
	cfg.PlotWriter = opts.PlotWriter

	s := sim.NewScenario(cfg)
	r := &Run{
		file:     f,
		scenario: s,
		filters:  make(map[string]sim.Filter, len(f.Filters)),
		log:      s.LoggerFactory().NewLogger("scenario"),
	}
	if err := r.build(opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return r, nil
}

func (r *Run) build(opts Options) error {
	s := r.scenario
	for _, fl := range r.file.Flows {
		id := sim.FlowID(fl.ID)
		if fl.Kind == KindBulk {
			sim.NewBulkSender(s, id, fl.SSRC, fl.Start)
			r.receivers = append(r.receivers, sim.NewPacketReceiver(s, id, sim.TcpEstimator, fl.Plot))
			continue
		}
		est, err := sim.ParseEstimatorType(fl.Estimator)
		if err != nil {
			return err
		}
		var src sim.Source
		if fl.Adaptive {
			src = sim.NewAdaptiveVideoSource(id, fl.FPS, fl.Kbps, fl.SSRC, fl.Start)
		} else {
			src = sim.NewVideoSource(id, fl.FPS, fl.Kbps, fl.SSRC, fl.Start)
		}
		if fl.Kind == KindPaced {
			sim.NewPacedVideoSender(s, src, est)
		} else {
			sim.NewVideoSender(s, src, est)
		}
		r.receivers = append(r.receivers, sim.NewPacketReceiver(s, id, est, fl.Plot))
	}

	for _, spec := range r.file.Filters {
		f, err := r.newFilter(spec, opts)
		if err != nil {
			return fmt.Errorf("filter %s: %w", spec.Name, err)
		}
		r.filters[spec.Name] = f
		if c, ok := f.(*sim.RateCounterFilter); ok && r.counter == nil {
			r.counter = c
		}
	}
	if label := r.file.Report.Counter; label != "" {
		r.counter, _ = s.Counter(label)
	}
	return nil
}

func (r *Run) newFilter(spec FilterSpec, opts Options) (sim.Filter, error) {
	u := r.scenario.Uplink()
	flows := sim.AllFlows
	if len(spec.Flows) > 0 {
		ids := make([]sim.FlowID, len(spec.Flows))
		for i, id := range spec.Flows {
			ids[i] = sim.FlowID(id)
		}
		flows = sim.Flows(ids...)
	}

	var f sim.Filter
	switch spec.Type {
	case FilterLoss:
		f = sim.NewLossFilter(u, flows)
	case FilterDelay:
		f = sim.NewDelayFilter(u, flows)
	case FilterJitter:
		f = sim.NewJitterFilter(u, flows)
	case FilterReorder:
		f = sim.NewReorderFilter(u, flows)
	case FilterChoke:
		f = sim.NewChokeFilter(u, flows)
	case FilterTrace:
		if opts.Traces == nil {
			return nil, ErrNoTraces
		}
		t := sim.NewTraceBasedDeliveryFilter(u, flows)
		if err := t.LoadTrace(opts.Traces, spec.Trace); err != nil {
			return nil, err
		}
		t.SetLoop(spec.Loop)
		f = t
	case FilterCounter:
		f = sim.NewRateCounterFilter(u, flows, spec.Label)
	default:
		return nil, fmt.Errorf("%w: unknown filter type %q", sim.ErrInvalidConfig, spec.Type)
	}
	apply(f, spec.Settings)
	return f, nil
}

// apply sets every non-nil setting on f. Settings were validated against
// the filter type when the file was parsed.
func apply(f sim.Filter, s Settings) {
	switch f := f.(type) {
	case *sim.LossFilter:
		if s.Loss != nil {
			f.SetLoss(*s.Loss)
		}
	case *sim.DelayFilter:
		if s.Delay != nil {
			f.SetDelay(*s.Delay)
		}
	case *sim.JitterFilter:
		if s.Jitter != nil {
			f.SetMaxJitter(*s.Jitter)
		}
	case *sim.ReorderFilter:
		if s.Reorder != nil {
			f.SetReorder(*s.Reorder)
		}
	case *sim.ChokeFilter:
		if s.CapacityKbps != nil {
			f.SetCapacity(*s.CapacityKbps)
		}
		if s.MaxDelay != nil {
			f.SetMaxDelay(*s.MaxDelay)
		}
	case *sim.TraceBasedDeliveryFilter:
		if s.MaxDelay != nil {
			f.SetMaxDelay(*s.MaxDelay)
		}
	}
}

// Scenario returns the underlying scenario.
func (r *Run) Scenario() *sim.Scenario {
	return r.scenario
}

// Filter returns the filter named name.
func (r *Run) Filter(name string) (sim.Filter, bool) {
	f, ok := r.filters[name]
	return f, ok
}

// Receivers returns the receivers in flow declaration order.
func (r *Run) Receivers() []*sim.PacketReceiver {
	return r.receivers
}

// Execute runs every phase in order and returns the report.
func (r *Run) Execute() (*sim.Report, error) {
	for i, ph := range r.file.Phases {
		// Sorted so settings apply in the same order on every run.
		names := make([]string, 0, len(ph.Set))
		for name := range ph.Set {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			apply(r.filters[name], ph.Set[name])
		}
		r.log.Debugf("phase %d %q: %v from %v", i, ph.Name, ph.Duration, r.scenario.Now())
		r.scenario.RunFor(ph.Duration)
	}
	return sim.BuildReport(r.scenario, r.reportInput())
}

func (r *Run) reportInput() sim.ReportInput {
	in := sim.ReportInput{ExpectedKbps: r.file.ExpectedKbps}
	if r.counter != nil {
		in.Throughput = r.counter.GetBitrateStats()
		in.Delay = r.counter.GetDelayStats()
		return in
	}
	in.Throughput = r.receivers[0].GetBitrateStats()
	in.Delay = r.receivers[0].GetDelayStats()
	return in
}

// Close releases the scenario.
func (r *Run) Close() error {
	return r.scenario.Close()
}
