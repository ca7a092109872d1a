// Package testutil provides capacity traces for tests and the command line
// tool: generators for synthetic link behavior and a set of embedded trace
// resources in the text formats sim.ParseCapacityTrace reads.
package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"testing/fstest"
	"time"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// Step is one segment of a step trace.
type Step struct {
	Duration time.Duration
	Kbps     float64
}

// ConstantTrace returns a trace holding kbps for d.
func ConstantTrace(name string, kbps float64, d time.Duration) *sim.CapacityTrace {
	return StepTrace(name, Step{Duration: d, Kbps: kbps})
}

// StepTrace returns a trace that holds each step's capacity for its
// duration. The final sample marks the end of the last step and repeats its
// capacity, so a non-looping filter keeps it afterwards.
func StepTrace(name string, steps ...Step) *sim.CapacityTrace {
	if len(steps) == 0 {
		panic("StepTrace: no steps")
	}
	t := &sim.CapacityTrace{Name: name}
	var offset time.Duration
	for _, s := range steps {
		if s.Duration <= 0 || s.Kbps < 0 {
			panic(fmt.Sprintf("StepTrace: bad step %+v", s))
		}
		t.Samples = append(t.Samples, sim.CapacitySample{Offset: offset, Kbps: s.Kbps})
		offset += s.Duration
	}
	t.Samples = append(t.Samples, sim.CapacitySample{Offset: offset, Kbps: steps[len(steps)-1].Kbps})
	return t
}

// SquareWaveTrace alternates between high and low every half period, starting
// high, for d.
func SquareWaveTrace(name string, high, low float64, period, d time.Duration) *sim.CapacityTrace {
	half := period / 2
	if half <= 0 || d <= 0 {
		panic("SquareWaveTrace: period and duration must be positive")
	}
	var steps []Step
	for offset := time.Duration(0); offset < d; offset += half {
		kbps := high
		if len(steps)%2 == 1 {
			kbps = low
		}
		steps = append(steps, Step{Duration: min(half, d-offset), Kbps: kbps})
	}
	return StepTrace(name, steps...)
}

// RandomWalkTrace moves the capacity by a uniform step in [-jump, jump]
// every interval, clamped to [lo, hi]. The same seed yields the same trace.
func RandomWalkTrace(name string, seed uint64, start, lo, hi, jump float64, interval, d time.Duration) *sim.CapacityTrace {
	if interval <= 0 || d <= 0 || lo > hi {
		panic("RandomWalkTrace: bad parameters")
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	kbps := min(max(start, lo), hi)
	var steps []Step
	for offset := time.Duration(0); offset < d; offset += interval {
		steps = append(steps, Step{Duration: min(interval, d-offset), Kbps: kbps})
		kbps = min(max(kbps+(rng.Float64()*2-1)*jump, lo), hi)
	}
	return StepTrace(name, steps...)
}

// Opportunities returns delivery opportunity timestamps in milliseconds
// spreading the capacity of t evenly over each second, up to t's duration.
// Writing them one per line gives an opportunity trace.
func Opportunities(t *sim.CapacityTrace) []int64 {
	var out []int64
	for sec := time.Duration(0); sec < t.Duration(); sec += time.Second {
		// kbps*1000/8 bytes per second in 1500-byte packets.
		n := int(t.At(sec) * 1000 / 8 / 1500)
		for i := range n {
			out = append(out, sec.Milliseconds()+int64(i*1000/n))
		}
	}
	return out
}

// WriteTrace writes t in the capacity text format.
func WriteTrace(w io.Writer, t *sim.CapacityTrace) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n", t.Name)
	for _, s := range t.Samples {
		bw.WriteString(strconv.FormatInt(s.Offset.Milliseconds(), 10))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(s.Kbps, 'f', -1, 64))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteOpportunities writes an opportunity trace, one timestamp per line.
func WriteOpportunities(w io.Writer, ms []int64) error {
	bw := bufio.NewWriter(w)
	for _, v := range ms {
		bw.WriteString(strconv.FormatInt(v, 10))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// TraceFS serves each trace as "<name>.rx" in the capacity format, for
// filters and scenario files that load traces by name.
func TraceFS(traces ...*sim.CapacityTrace) (fstest.MapFS, error) {
	fsys := make(fstest.MapFS, len(traces))
	for _, t := range traces {
		var b bytes.Buffer
		if err := WriteTrace(&b, t); err != nil {
			return nil, err
		}
		fsys[t.Name+".rx"] = &fstest.MapFile{Data: b.Bytes()}
	}
	return fsys, nil
}
