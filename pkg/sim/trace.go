package sim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTraceNotFound is returned when a named trace resource does not exist.
	ErrTraceNotFound = errors.New("sim: trace not found")
	// ErrMalformedTrace is returned when a trace cannot be parsed.
	ErrMalformedTrace = errors.New("sim: malformed trace")
)

// opportunityBytes is the size of one delivery opportunity in an
// opportunity trace.
const opportunityBytes = 1500

// CapacitySample is the link capacity from Offset until the next sample.
type CapacitySample struct {
	Offset time.Duration
	Kbps   float64
}

// CapacityTrace is a time-varying link capacity.
//
// Two text formats are accepted, one record per line, with blank lines and
// lines starting with '#' ignored:
//
//	<offset_ms> <kbps>   capacity samples, offsets strictly increasing
//	                     (the separator may also be a comma)
//	<ms>                 delivery opportunities of 1500 bytes each
//
// Opportunity traces are bucketed into one capacity sample per second.
type CapacityTrace struct {
	Name    string
	Samples []CapacitySample
}

// ParseCapacityTrace reads a trace in either format from r.
func ParseCapacityTrace(name string, r io.Reader) (*CapacityTrace, error) {
	var (
		samples       []CapacitySample
		opportunities []int64
		fields        int
		lineNo        int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if fields == 0 {
			fields = len(parts)
		}
		if len(parts) != fields || fields > 2 {
			return nil, fmt.Errorf("%w: %s:%d: unexpected field count %d", ErrMalformedTrace, name, lineNo, len(parts))
		}
		switch fields {
		case 1:
			ms, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: %s:%d: bad opportunity %q", ErrMalformedTrace, name, lineNo, parts[0])
			}
			if n := len(opportunities); n > 0 && ms < opportunities[n-1] {
				return nil, fmt.Errorf("%w: %s:%d: opportunity %d before %d", ErrMalformedTrace, name, lineNo, ms, opportunities[n-1])
			}
			opportunities = append(opportunities, ms)
		case 2:
			ms, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: %s:%d: bad offset %q", ErrMalformedTrace, name, lineNo, parts[0])
			}
			kbps, err := strconv.ParseFloat(parts[1], 64)
			if err != nil || kbps < 0 {
				return nil, fmt.Errorf("%w: %s:%d: bad capacity %q", ErrMalformedTrace, name, lineNo, parts[1])
			}
			offset := time.Duration(ms) * time.Millisecond
			if n := len(samples); n > 0 && offset <= samples[n-1].Offset {
				return nil, fmt.Errorf("%w: %s:%d: offset %v not after %v", ErrMalformedTrace, name, lineNo, offset, samples[n-1].Offset)
			}
			samples = append(samples, CapacitySample{Offset: offset, Kbps: kbps})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace %s: %w", name, err)
	}
	if fields == 1 {
		samples = bucketOpportunities(opportunities)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s: no samples", ErrMalformedTrace, name)
	}
	return &CapacityTrace{Name: name, Samples: samples}, nil
}

// bucketOpportunities converts delivery opportunities into one capacity
// sample per second, followed by a zero sample marking the end of the last
// bucket.
func bucketOpportunities(opportunities []int64) []CapacitySample {
	if len(opportunities) == 0 {
		return nil
	}
	buckets := opportunities[len(opportunities)-1]/1000 + 1
	counts := make([]int, buckets)
	for _, ms := range opportunities {
		counts[ms/1000]++
	}
	samples := make([]CapacitySample, 0, buckets+1)
	for i, n := range counts {
		samples = append(samples, CapacitySample{
			Offset: time.Duration(i) * time.Second,
			// n*1500 bytes over one second.
			Kbps: float64(n*opportunityBytes*8) / 1000,
		})
	}
	samples = append(samples, CapacitySample{Offset: time.Duration(buckets) * time.Second, Kbps: 0})
	return samples
}

// LoadCapacityTrace opens name in fsys and parses it.
func LoadCapacityTrace(fsys fs.FS, name string) (*CapacityTrace, error) {
	f, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, name)
		}
		return nil, fmt.Errorf("open trace %s: %w", name, err)
	}
	defer f.Close()
	return ParseCapacityTrace(name, f)
}

// LoadNamedTrace resolves a trace resource by base name and extension, for
// example ("verizon4g", "rx").
func LoadNamedTrace(fsys fs.FS, name, ext string) (*CapacityTrace, error) {
	return LoadCapacityTrace(fsys, name+"."+ext)
}

// At returns the capacity in effect at offset: the value of the nearest
// sample at or before offset. Before the first sample it is the first
// sample's value and after the last it is the last sample's value.
func (t *CapacityTrace) At(offset time.Duration) float64 {
	i := sort.Search(len(t.Samples), func(i int) bool { return t.Samples[i].Offset > offset })
	if i == 0 {
		return t.Samples[0].Kbps
	}
	return t.Samples[i-1].Kbps
}

// Duration returns the offset of the last sample.
func (t *CapacityTrace) Duration() time.Duration {
	return t.Samples[len(t.Samples)-1].Offset
}

// traceCursor walks a trace forward in time. Queries must not go back in
// time; when looping, the last sample's offset is the loop period and its
// value is never used.
type traceCursor struct {
	trace *CapacityTrace
	loop  bool
	index int
	last  time.Duration
	base  time.Duration
}

func (c *traceCursor) at(now time.Duration) float64 {
	if now < c.last {
		panic(fmt.Sprintf("trace %s: lookup at %v after %v", c.trace.Name, now, c.last))
	}
	c.last = now
	offset := now - c.base
	if period := c.trace.Duration(); c.loop && period > 0 && offset >= period {
		c.base += offset / period * period
		offset = now - c.base
		c.index = 0
	}
	samples := c.trace.Samples
	for c.index+1 < len(samples) && samples[c.index+1].Offset <= offset {
		c.index++
	}
	return samples[c.index].Kbps
}

// TraceBasedDeliveryFilter is a bottleneck whose capacity follows a
// CapacityTrace. The capacity used in a step is the trace value at the
// step's end time.
type TraceBasedDeliveryFilter struct {
	stage
	bottleneck linkQueue
	trace      *CapacityTrace
	cursor     *traceCursor
	loop       bool
	capacity   Accumulator
}

// NewTraceBasedDeliveryFilter appends a trace-driven bottleneck to u. A trace
// must be set with SetTrace or Init before the run starts.
func NewTraceBasedDeliveryFilter(u *Uplink, flows FlowSet) *TraceBasedDeliveryFilter {
	f := &TraceBasedDeliveryFilter{}
	f.stage = newStage(u, "trace", flows, f)
	return f
}

// SetTrace sets the capacity trace and restarts it at the current offset.
func (f *TraceBasedDeliveryFilter) SetTrace(trace *CapacityTrace) {
	f.trace = trace
	f.cursor = &traceCursor{trace: trace, loop: f.loop, last: f.link.uplink.scenario.Now(), base: f.link.uplink.scenario.Now()}
}

// LoadTrace loads the trace file name from fsys and sets it as the trace.
func (f *TraceBasedDeliveryFilter) LoadTrace(fsys fs.FS, name string) error {
	trace, err := LoadCapacityTrace(fsys, name)
	if err != nil {
		return err
	}
	f.SetTrace(trace)
	return nil
}

// Init loads "name.rx" from fsys and sets it as the trace.
func (f *TraceBasedDeliveryFilter) Init(fsys fs.FS, name string) error {
	trace, err := LoadNamedTrace(fsys, name, "rx")
	if err != nil {
		return err
	}
	f.SetTrace(trace)
	return nil
}

// SetLoop makes the trace wrap around at its end instead of holding its
// last value.
func (f *TraceBasedDeliveryFilter) SetLoop(loop bool) {
	f.loop = loop
	if f.cursor != nil {
		f.cursor.loop = loop
	}
}

// SetMaxDelay bounds the queueing delay.
func (f *TraceBasedDeliveryFilter) SetMaxDelay(d time.Duration) {
	if d < 0 {
		panic(fmt.Sprintf("TraceBasedDeliveryFilter.SetMaxDelay: negative delay %v", d))
	}
	f.bottleneck.maxDelay = d
	f.bottleneck.hasMaxDelay = true
}

// Trace returns the configured trace.
func (f *TraceBasedDeliveryFilter) Trace() *CapacityTrace {
	return f.trace
}

// GetBitrateStats returns the capacity in effect at every step so far, in
// kbps.
func (f *TraceBasedDeliveryFilter) GetBitrateStats() *Accumulator {
	return &f.capacity
}

// Deliver implements Filter.
func (f *TraceBasedDeliveryFilter) Deliver(pkt Packet, at time.Duration) {
	if !f.flows.Contains(pkt.Flow) {
		f.link.Forward(pkt, at)
		return
	}
	f.bottleneck.queue.push(delivery{pkt: pkt, at: at})
}

// Advance implements Filter.
func (f *TraceBasedDeliveryFilter) Advance(now time.Duration) {
	if f.cursor == nil {
		panic(fmt.Sprintf("%s: no trace set", f.name))
	}
	kbps := f.cursor.at(now)
	f.capacity.Add(kbps)
	f.bottleneck.kbps = kbps
	f.bottleneck.release(now, &f.stage)
}

// Pending implements Filter.
func (f *TraceBasedDeliveryFilter) Pending() int {
	return f.bottleneck.queue.len()
}
