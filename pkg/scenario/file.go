// Package scenario loads declarative scenario files and runs them on the
// link emulator.
//
// A scenario file lists flows, the uplink filter chain in order, and
// phases. Each phase optionally changes filter parameters and then runs for
// its duration:
//
//	name: choke-step
//	seed: 42
//	expected_kbps: 500
//	flows:
//	  - id: 0
//	    kind: video
//	    estimator: remb
//	    kbps: 300
//	    adaptive: true
//	filters:
//	  - type: choke
//	    name: bottleneck
//	    capacity_kbps: 500
//	    max_delay: 200ms
//	  - type: delay
//	    delay: 50ms
//	  - type: counter
//	    label: main
//	phases:
//	  - duration: 30s
//	  - duration: 30s
//	    set:
//	      bottleneck: {capacity_kbps: 250}
//	report:
//	  counter: main
package scenario

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// Flow kinds.
const (
	KindVideo = "video"
	KindPaced = "paced"
	KindBulk  = "bulk"
)

// Filter types.
const (
	FilterLoss    = "loss"
	FilterDelay   = "delay"
	FilterJitter  = "jitter"
	FilterReorder = "reorder"
	FilterChoke   = "choke"
	FilterTrace   = "trace"
	FilterCounter = "counter"
)

// File is a parsed scenario file.
type File struct {
	Name          string        `yaml:"name"`
	Seed          uint64        `yaml:"seed"`
	Step          time.Duration `yaml:"step"`
	FeedbackDelay time.Duration `yaml:"feedback_delay"`
	// ExpectedKbps is the reference capacity for utilization in the report.
	ExpectedKbps float64 `yaml:"expected_kbps"`

	Flows   []FlowSpec   `yaml:"flows"`
	Filters []FilterSpec `yaml:"filters"`
	Phases  []Phase      `yaml:"phases"`
	Report  ReportSpec   `yaml:"report"`
}

// FlowSpec declares one sender/receiver pair.
type FlowSpec struct {
	ID int `yaml:"id"`
	// Kind is video, paced or bulk. Default: video.
	Kind string `yaml:"kind"`
	// Estimator is null, remb or send-side. Bulk flows always use tcp.
	Estimator string `yaml:"estimator"`
	// FPS and Kbps configure video sources. Defaults: 30 fps, 300 kbps.
	FPS  float64 `yaml:"fps"`
	Kbps float64 `yaml:"kbps"`
	// Adaptive lets feedback change the source rate.
	Adaptive bool `yaml:"adaptive"`
	// Start delays the flow's first packet.
	Start time.Duration `yaml:"start"`
	// SSRC defaults to 0x1000 + ID.
	SSRC uint32 `yaml:"ssrc"`
	// Plot enables plot lines from the flow's receiver.
	Plot bool `yaml:"plot"`
}

// Settings are the tunable filter parameters. Nil fields are left alone.
type Settings struct {
	CapacityKbps *float64       `yaml:"capacity_kbps,omitempty"`
	MaxDelay     *time.Duration `yaml:"max_delay,omitempty"`
	Delay        *time.Duration `yaml:"delay,omitempty"`
	Jitter       *time.Duration `yaml:"jitter,omitempty"`
	Loss         *float64       `yaml:"loss,omitempty"`
	Reorder      *float64       `yaml:"reorder,omitempty"`
}

// FilterSpec declares one stage of the uplink, in chain order.
type FilterSpec struct {
	Type string `yaml:"type"`
	// Name lets phases refer to the filter. Default: "<type>-<index>".
	Name string `yaml:"name"`
	// Flows restricts the filter to some flows. Empty means all flows.
	Flows []int `yaml:"flows,omitempty"`

	Settings `yaml:",inline"`

	// Trace is the capacity trace file of a trace filter.
	Trace string `yaml:"trace,omitempty"`
	// Loop wraps the trace around at its end.
	Loop bool `yaml:"loop,omitempty"`
	// Label names a rate counter.
	Label string `yaml:"label,omitempty"`
}

// Phase changes filter settings, then runs for Duration.
type Phase struct {
	Name     string              `yaml:"name"`
	Duration time.Duration       `yaml:"duration"`
	Set      map[string]Settings `yaml:"set,omitempty"`
}

// ReportSpec selects what the report measures.
type ReportSpec struct {
	// Counter is the rate counter whose series the report summarizes.
	// Default: the first counter in the chain, else the first flow's
	// receiver.
	Counter string `yaml:"counter"`
}

// Parse decodes and validates a scenario file. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty scenario file", sim.ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: decode scenario: %v", sim.ErrInvalidConfig, err)
	}
	f.setDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the scenario file name from fsys.
func Load(fsys fs.FS, name string) (*File, error) {
	fh, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open scenario %s: %w", name, err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	return f, nil
}

// Marshal encodes f back to YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

func (f *File) setDefaults() {
	def := sim.DefaultConfig()
	if f.Name == "" {
		f.Name = def.Name
	}
	if f.Seed == 0 {
		f.Seed = def.Seed
	}
	if f.Step == 0 {
		f.Step = def.Step
	}
	for i := range f.Flows {
		fl := &f.Flows[i]
		if fl.Kind == "" {
			fl.Kind = KindVideo
		}
		if fl.Estimator == "" {
			fl.Estimator = sim.NullEstimator.String()
		}
		if fl.FPS == 0 {
			fl.FPS = 30
		}
		if fl.Kbps == 0 {
			fl.Kbps = 300
		}
		if fl.SSRC == 0 {
			fl.SSRC = uint32(0x1000 + fl.ID)
		}
	}
	for i := range f.Filters {
		if f.Filters[i].Name == "" {
			f.Filters[i].Name = fmt.Sprintf("%s-%d", f.Filters[i].Type, i)
		}
	}
}

// Validate checks the whole file without building anything.
func (f *File) Validate() error {
	cfg := sim.Config{Name: f.Name, Seed: f.Seed, Step: f.Step, FeedbackDelay: f.FeedbackDelay}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(f.Flows) == 0 {
		return invalid("no flows")
	}
	if len(f.Phases) == 0 {
		return invalid("no phases")
	}

	flows := make(map[int]bool, len(f.Flows))
	for _, fl := range f.Flows {
		if flows[fl.ID] {
			return invalid("duplicate flow %d", fl.ID)
		}
		flows[fl.ID] = true
		if err := fl.validate(); err != nil {
			return err
		}
	}

	filters := make(map[string]string, len(f.Filters))
	counters := make(map[string]bool)
	for _, spec := range f.Filters {
		if _, ok := filters[spec.Name]; ok {
			return invalid("duplicate filter name %q", spec.Name)
		}
		filters[spec.Name] = spec.Type
		for _, id := range spec.Flows {
			if !flows[id] {
				return invalid("filter %s: unknown flow %d", spec.Name, id)
			}
		}
		if err := spec.validate(); err != nil {
			return err
		}
		if spec.Type == FilterCounter && spec.Label != "" {
			if counters[spec.Label] {
				return invalid("duplicate counter label %q", spec.Label)
			}
			counters[spec.Label] = true
		}
	}

	for i, ph := range f.Phases {
		if ph.Duration <= 0 {
			return invalid("phase %d: duration must be positive, got %v", i, ph.Duration)
		}
		for name, s := range ph.Set {
			typ, ok := filters[name]
			if !ok {
				return invalid("phase %d: unknown filter %q", i, name)
			}
			if err := s.validateFor(typ, name); err != nil {
				return err
			}
		}
	}

	if f.Report.Counter != "" && !counters[f.Report.Counter] {
		return invalid("report: unknown counter %q", f.Report.Counter)
	}
	return nil
}

func (fl FlowSpec) validate() error {
	if fl.ID < 0 {
		return invalid("flow %d: negative id", fl.ID)
	}
	switch fl.Kind {
	case KindVideo, KindPaced:
		est, err := sim.ParseEstimatorType(fl.Estimator)
		if err != nil {
			return fmt.Errorf("flow %d: %w", fl.ID, err)
		}
		if est == sim.TcpEstimator {
			return invalid("flow %d: tcp estimator needs a bulk flow", fl.ID)
		}
		if fl.FPS <= 0 || fl.Kbps < 0 {
			return invalid("flow %d: bad source fps=%v kbps=%v", fl.ID, fl.FPS, fl.Kbps)
		}
	case KindBulk:
	default:
		return invalid("flow %d: unknown kind %q", fl.ID, fl.Kind)
	}
	if fl.Start < 0 {
		return invalid("flow %d: negative start %v", fl.ID, fl.Start)
	}
	return nil
}

func (spec FilterSpec) validate() error {
	switch spec.Type {
	case FilterTrace:
		if spec.Trace == "" {
			return invalid("filter %s: trace file required", spec.Name)
		}
	case FilterCounter, FilterLoss, FilterDelay, FilterJitter, FilterReorder, FilterChoke:
	default:
		return invalid("filter %s: unknown type %q", spec.Name, spec.Type)
	}
	return spec.Settings.validateFor(spec.Type, spec.Name)
}

// supported lists which settings apply to each filter type.
var supported = map[string][]string{
	FilterLoss:    {"loss"},
	FilterDelay:   {"delay"},
	FilterJitter:  {"jitter"},
	FilterReorder: {"reorder"},
	FilterChoke:   {"capacity_kbps", "max_delay"},
	FilterTrace:   {"max_delay"},
	FilterCounter: nil,
}

// fields returns the YAML keys of the settings present in s.
func (s Settings) fields() []string {
	var out []string
	if s.CapacityKbps != nil {
		out = append(out, "capacity_kbps")
	}
	if s.MaxDelay != nil {
		out = append(out, "max_delay")
	}
	if s.Delay != nil {
		out = append(out, "delay")
	}
	if s.Jitter != nil {
		out = append(out, "jitter")
	}
	if s.Loss != nil {
		out = append(out, "loss")
	}
	if s.Reorder != nil {
		out = append(out, "reorder")
	}
	return out
}

func (s Settings) validateFor(typ, name string) error {
	for _, field := range s.fields() {
		if !slices.Contains(supported[typ], field) {
			return invalid("filter %s: %s is not a %s setting", name, field, typ)
		}
	}
	switch {
	case s.Loss != nil && (*s.Loss < 0 || *s.Loss > 100):
		return invalid("filter %s: loss %v outside [0, 100]", name, *s.Loss)
	case s.Reorder != nil && (*s.Reorder < 0 || *s.Reorder > 100):
		return invalid("filter %s: reorder %v outside [0, 100]", name, *s.Reorder)
	case s.CapacityKbps != nil && *s.CapacityKbps < 0:
		return invalid("filter %s: negative capacity", name)
	case s.MaxDelay != nil && *s.MaxDelay < 0,
		s.Delay != nil && *s.Delay < 0,
		s.Jitter != nil && *s.Jitter < 0:
		return invalid("filter %s: negative delay", name)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", sim.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
