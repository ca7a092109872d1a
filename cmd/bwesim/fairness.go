package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// errUnfair is returned by fairness --check when a share is off.
var errUnfair = errors.New("flows are not within the fairness tolerance")

type fairnessFlags struct {
	media, bulk  int
	estimator    string
	capacity     float64
	maxDelay     time.Duration
	delay        time.Duration
	duration     time.Duration
	startKbps    float64
	constantKbps float64
	paced        bool
	seed         uint64
	tolerance    float64
	check        bool
	json         bool
}

// fairnessSubcommand returns the fairness [cobra.Command].
func fairnessSubcommand() *cobra.Command {
	var f fairnessFlags
	cmd := &cobra.Command{
		Use:   "fairness",
		Short: "Runs media and bulk flows over one bottleneck and reports their shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFairness(cmd.OutOrStdout(), &f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.media, "media", 2, "Number of media flows")
	fl.IntVar(&f.bulk, "bulk", 0, "Number of bulk (TCP-like) flows")
	fl.StringVar(&f.estimator, "estimator", "remb", "Estimator of the media flows: null, remb or send-side")
	fl.Float64Var(&f.capacity, "capacity", 2000, "Bottleneck capacity in kbps")
	fl.DurationVar(&f.maxDelay, "max-delay", 500*time.Millisecond, "Bottleneck queueing delay bound (0: unbounded)")
	fl.DurationVar(&f.delay, "delay", 50*time.Millisecond, "One-way propagation delay")
	fl.DurationVar(&f.duration, "duration", time.Minute, "Virtual run time")
	fl.Float64Var(&f.startKbps, "start-kbps", 300, "Initial rate of adaptive media flows")
	fl.Float64Var(&f.constantKbps, "constant-kbps", 0, "Run media flows at this constant rate instead of adapting")
	fl.BoolVar(&f.paced, "paced", false, "Pace media flows")
	fl.Uint64Var(&f.seed, "seed", 1, "Scenario seed")
	fl.Float64Var(&f.tolerance, "tolerance", 0.15, "Relative tolerance of each share around 1/N")
	fl.BoolVar(&f.check, "check", false, "Fail when a share is outside the tolerance")
	fl.BoolVar(&f.json, "json", false, "Print the result as JSON")
	return cmd
}

func runFairness(out io.Writer, f *fairnessFlags) error {
	est, err := sim.ParseEstimatorType(f.estimator)
	if err != nil {
		return err
	}
	cfg := sim.FairnessConfig{
		Scenario:     sim.DefaultConfig(),
		Estimator:    est,
		MediaFlows:   f.media,
		BulkFlows:    f.bulk,
		CapacityKbps: f.capacity,
		MaxDelay:     f.maxDelay,
		OneWayDelay:  f.delay,
		Duration:     f.duration,
		StartKbps:    f.startKbps,
		ConstantKbps: f.constantKbps,
		Paced:        f.paced,
	}
	cfg.Scenario.Name = "fairness"
	cfg.Scenario.Seed = f.seed
	cfg.Scenario.LoggerFactory = newLoggerFactory(log.Log)

	result, err := sim.RunFairness(cfg)
	if err != nil {
		return err
	}
	if f.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if err := writeFairness(out, result, f.tolerance); err != nil {
		return err
	}
	if f.check && !result.WithinTolerance(f.tolerance) {
		return errUnfair
	}
	return nil
}

func writeFairness(out io.Writer, r *sim.FairnessResult, tol float64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "flow\tkind\tkbps\tshare\tdelay ms\tthroughput sd")
	for _, fs := range r.Flows {
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%.3f\t%.1f\t%.1f\n",
			fs.Flow, fs.Kind, fs.Kbps, fs.Share, fs.Delay.Mean, fs.Throughput.StdDev)
	}
	fmt.Fprintf(tw, "total\t\t%.1f\t\t\t\n", r.TotalKbps)
	fmt.Fprintf(tw, "utilization\t%.1f%%\n", r.Utilization()*100)
	fmt.Fprintf(tw, "jain index\t%.3f\n", r.JainIndex)
	fmt.Fprintf(tw, "within %.0f%%\t%t\n", tol*100, r.WithinTolerance(tol))
	return tw.Flush()
}
