package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// Report summarizes a finished scenario.
type Report struct {
	Scenario string  `json:"scenario"`
	RunID    string  `json:"run_id"`
	Seed     uint64  `json:"seed"`
	Seconds  float64 `json:"seconds"`

	// ExpectedKbps is the capacity the estimator should converge to.
	ExpectedKbps float64 `json:"expected_kbps,omitempty"`
	// Utilization is mean throughput over ExpectedKbps.
	Utilization float64 `json:"utilization,omitempty"`

	Throughput *Summary      `json:"throughput_kbps,omitempty"`
	Delay      *DelayReport  `json:"delay_ms,omitempty"`
	Flows      []FlowReport  `json:"flows"`
	Counters   []CounterInfo `json:"counters,omitempty"`
}

// DelayReport is a delay summary with percentiles, in ms.
type DelayReport struct {
	Summary
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// FlowReport is the per-flow part of a Report.
type FlowReport struct {
	Flow         FlowID  `json:"flow"`
	Estimator    string  `json:"estimator"`
	Packets      int64   `json:"packets"`
	Bytes        int64   `json:"bytes"`
	Lost         int64   `json:"lost"`
	LossFraction float64 `json:"loss_fraction"`
	EstimateKbps float64 `json:"estimate_kbps,omitempty"`
	TargetKbps   float64 `json:"target_kbps,omitempty"`
	MeanDelayMs  float64 `json:"mean_delay_ms"`
}

// CounterInfo is the summary of one labeled rate counter.
type CounterInfo struct {
	Label      string   `json:"label"`
	Packets    int64    `json:"packets"`
	Throughput *Summary `json:"throughput_kbps,omitempty"`
}

// ReportInput selects what a report measures.
type ReportInput struct {
	// ExpectedKbps is the reference capacity for utilization.
	ExpectedKbps float64
	// Throughput and Delay are the series to summarize, typically a rate
	// counter's. Either may be nil.
	Throughput *Series
	Delay      *Series
}

// BuildReport summarizes s. It fails with ErrNoData when the throughput
// series has no samples.
func BuildReport(s *Scenario, in ReportInput) (*Report, error) {
	r := &Report{
		Scenario:     s.Name(),
		RunID:        s.ID().String(),
		Seed:         s.config.Seed,
		Seconds:      s.Now().Seconds(),
		ExpectedKbps: in.ExpectedKbps,
	}
	if in.Throughput != nil {
		sum, err := in.Throughput.Summary()
		if err != nil {
			return nil, fmt.Errorf("report %s throughput: %w", s.Name(), err)
		}
		r.Throughput = &sum
		if in.ExpectedKbps > 0 {
			r.Utilization = sum.Mean / in.ExpectedKbps
		}
	}
	if in.Delay != nil && in.Delay.Count() > 0 {
		d, err := delayReport(in.Delay)
		if err != nil {
			return nil, fmt.Errorf("report %s delay: %w", s.Name(), err)
		}
		r.Delay = d
	}

	senders := make(map[FlowID]Sender, len(s.senders))
	for _, snd := range s.senders {
		senders[snd.Flow()] = snd
	}
	for _, rcv := range s.receivers {
		pr, ok := rcv.(*PacketReceiver)
		if !ok {
			continue
		}
		fr := FlowReport{
			Flow:         pr.Flow(),
			Estimator:    pr.Kind().String(),
			Packets:      pr.Packets(),
			Bytes:        pr.Bytes(),
			Lost:         pr.Lost(),
			EstimateKbps: pr.Estimate(),
		}
		if total := fr.Packets + fr.Lost; total > 0 {
			fr.LossFraction = float64(fr.Lost) / float64(total)
		}
		fr.MeanDelayMs, _ = pr.GetDelayStats().Mean()
		if t, ok := senders[pr.Flow()].(interface{ TargetBitrate() float64 }); ok {
			fr.TargetKbps = t.TargetBitrate()
		}
		r.Flows = append(r.Flows, fr)
	}
	sort.Slice(r.Flows, func(i, j int) bool { return r.Flows[i].Flow < r.Flows[j].Flow })

	for label, c := range s.counters {
		info := CounterInfo{Label: label, Packets: c.Packets()}
		if sum, err := c.GetBitrateStats().Summary(); err == nil {
			info.Throughput = &sum
		}
		r.Counters = append(r.Counters, info)
	}
	sort.Slice(r.Counters, func(i, j int) bool { return r.Counters[i].Label < r.Counters[j].Label })
	return r, nil
}

func delayReport(series *Series) (*DelayReport, error) {
	sum, err := series.Summary()
	if err != nil {
		return nil, err
	}
	d := &DelayReport{Summary: sum}
	for _, p := range []struct {
		pct float64
		dst *float64
	}{{50, &d.P50}, {95, &d.P95}, {99, &d.P99}} {
		if *p.dst, err = series.Percentile(p.pct); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ReportSink writes reports somewhere.
type ReportSink interface {
	Write(r *Report) error
}

// TextSink writes human-readable reports.
type TextSink struct {
	W io.Writer
}

// Write implements ReportSink.
func (t TextSink) Write(r *Report) error {
	tw := tabwriter.NewWriter(t.W, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scenario\t%s\n", r.Scenario)
	fmt.Fprintf(tw, "run\t%s (seed %d)\n", r.RunID, r.Seed)
	fmt.Fprintf(tw, "duration\t%.1fs\n", r.Seconds)
	if r.Throughput != nil {
		fmt.Fprintf(tw, "throughput\tmean %.1f kbps, stddev %.1f, min %.1f, max %.1f (n=%d)\n",
			r.Throughput.Mean, r.Throughput.StdDev, r.Throughput.Min, r.Throughput.Max, r.Throughput.Count)
	}
	if r.ExpectedKbps > 0 {
		fmt.Fprintf(tw, "expected\t%.1f kbps\n", r.ExpectedKbps)
		fmt.Fprintf(tw, "utilization\t%.1f%%\n", r.Utilization*100)
	}
	if r.Delay != nil {
		fmt.Fprintf(tw, "delay\tmean %.1f ms, p50 %.1f, p95 %.1f, p99 %.1f, max %.1f\n",
			r.Delay.Mean, r.Delay.P50, r.Delay.P95, r.Delay.P99, r.Delay.Max)
	}
	for _, f := range r.Flows {
		fmt.Fprintf(tw, "flow %d\t%s: %d packets, %.1f%% lost, estimate %.1f kbps, target %.1f kbps, delay %.1f ms\n",
			f.Flow, f.Estimator, f.Packets, f.LossFraction*100, f.EstimateKbps, f.TargetKbps, f.MeanDelayMs)
	}
	for _, c := range r.Counters {
		if c.Throughput == nil {
			fmt.Fprintf(tw, "counter %s\t%d packets\n", c.Label, c.Packets)
			continue
		}
		fmt.Fprintf(tw, "counter %s\t%d packets, mean %.1f kbps\n", c.Label, c.Packets, c.Throughput.Mean)
	}
	return tw.Flush()
}

// JSONSink writes one JSON object per report.
type JSONSink struct {
	W      io.Writer
	Indent bool
}

// Write implements ReportSink.
func (j JSONSink) Write(r *Report) error {
	enc := json.NewEncoder(j.W)
	if j.Indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
