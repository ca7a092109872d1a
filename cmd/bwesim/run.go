package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/thesyncim/bwesim/pkg/bwe/testutil"
	"github.com/thesyncim/bwesim/pkg/scenario"
	"github.com/thesyncim/bwesim/pkg/sim"
)

type runFlags struct {
	traces string
	json   bool
	plot   string
	seed   uint64
}

// runSubcommand returns the run [cobra.Command].
func runSubcommand(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml> [scenario.yaml...]",
		Short: "Runs scenario files and prints their reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScenarios(ctx, cmd.OutOrStdout(), g, &f, args)
		},
	}
	cmd.Flags().StringVar(&f.traces, "traces", "", "Directory of trace files (default: the embedded traces)")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print reports as JSON")
	cmd.Flags().StringVar(&f.plot, "plot", "", "Write plot lines of flows with plotting enabled to this file")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "Override the seed of every scenario")
	return cmd
}

func runScenarios(ctx context.Context, out io.Writer, g *globalFlags, f *runFlags, paths []string) error {
	var traces fs.FS = testutil.Traces()
	if f.traces != "" {
		traces = os.DirFS(f.traces)
	}
	var sink sim.ReportSink = sim.TextSink{W: out}
	if f.json {
		sink = sim.JSONSink{W: out}
	}
	var plot io.Writer
	if f.plot != "" {
		pf, err := os.Create(f.plot)
		if err != nil {
			return err
		}
		defer pf.Close()
		plot = pf
	}

	metrics, err := startMetrics(g.metricsAddr)
	if err != nil {
		return err
	}
	defer metrics.Close()

	for _, path := range paths {
		report, err := runScenario(path, scenario.Options{
			Traces:        traces,
			LoggerFactory: newLoggerFactory(log.Log),
			PlotWriter:    plot,
			Seed:          f.seed,
		}, metrics)
		if err != nil {
			return err
		}
		if err := sink.Write(report); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	metrics.Linger(ctx)
	return nil
}

func runScenario(path string, opts scenario.Options, metrics *metricsServer) (*sim.Report, error) {
	file, err := scenario.Load(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return nil, err
	}
	run, err := scenario.Build(file, opts)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	defer run.Close()
	metrics.Add(run.Scenario().Registry())

	log.WithFields(log.Fields{"scenario": file.Name, "seed": run.Scenario().Config().Seed}).Info("running")
	report, err := run.Execute()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return report, nil
}
