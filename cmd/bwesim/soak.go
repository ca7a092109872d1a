package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/thesyncim/bwesim/pkg/bwe/testutil"
	"github.com/thesyncim/bwesim/pkg/sim"
)

// errSoakFailed is returned when any soak check fails.
var errSoakFailed = errors.New("soak failed")

// absSendTimeWrap is the period of the 24-bit abs-send-time clock.
const absSendTimeWrap = 64 * time.Second

type soakFlags struct {
	duration    time.Duration
	chunk       time.Duration
	status      time.Duration
	trace       string
	estimator   string
	seed        uint64
	heapLimitMB float64
}

// soakResult is the outcome of a soak run.
type soakResult struct {
	Virtual           time.Duration
	Wall              time.Duration
	Packets           int64
	FinalEstimateKbps float64
	FinalTargetKbps   float64
	PeakHeapMB        float64
	GCCycles          uint32
	Wraparounds       int
	SuspiciousEvents  int
	Failed            bool
}

// soakSubcommand returns the soak [cobra.Command].
func soakSubcommand(g *globalFlags) *cobra.Command {
	var f soakFlags
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Runs one adaptive flow over a looping trace for a long virtual time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			metrics, err := startMetrics(g.metricsAddr)
			if err != nil {
				return err
			}
			defer metrics.Close()

			result, err := runSoak(ctx, &f, metrics)
			if err != nil {
				return err
			}
			if err := writeSoak(cmd.OutOrStdout(), result, f.heapLimitMB); err != nil {
				return err
			}
			if result.Failed {
				return errSoakFailed
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.DurationVar(&f.duration, "duration", 24*time.Hour, "Virtual run time")
	fl.DurationVar(&f.chunk, "chunk", 10*time.Second, "Virtual time between health checks")
	fl.DurationVar(&f.status, "status", 5*time.Minute, "Virtual time between status lines")
	fl.StringVar(&f.trace, "trace", "wifi", "Embedded capacity trace, looped")
	fl.StringVar(&f.estimator, "estimator", "remb", "Estimator: remb or send-side")
	fl.Uint64Var(&f.seed, "seed", 1, "Scenario seed")
	fl.Float64Var(&f.heapLimitMB, "heap-limit-mb", 512, "Fail when the heap grows beyond this")
	return cmd
}

func runSoak(ctx context.Context, f *soakFlags, metrics *metricsServer) (soakResult, error) {
	var result soakResult
	if f.duration <= 0 || f.chunk <= 0 {
		return result, fmt.Errorf("%w: duration and chunk must be positive", sim.ErrInvalidConfig)
	}
	est, err := sim.ParseEstimatorType(f.estimator)
	if err != nil {
		return result, err
	}
	if est != sim.RembEstimator && est != sim.FullSendSideEstimator {
		return result, fmt.Errorf("%w: soak needs an adaptive estimator, got %s", sim.ErrInvalidConfig, est)
	}
	trace, err := testutil.Load(f.trace)
	if err != nil {
		return result, err
	}

	cfg := sim.DefaultConfig()
	cfg.Name = "soak"
	cfg.Seed = f.seed
	cfg.LoggerFactory = newLoggerFactory(log.Log)
	s := sim.NewScenario(cfg)
	defer s.Close()
	metrics.Add(s.Registry())

	src := sim.NewAdaptiveVideoSource(0, 30, 300, 0x12345678, 0)
	snd := sim.NewVideoSender(s, src, est)
	link := sim.NewTraceBasedDeliveryFilter(s.Uplink(), sim.AllFlows)
	link.SetTrace(trace)
	link.SetLoop(true)
	link.SetMaxDelay(500 * time.Millisecond)
	sim.NewDelayFilter(s.Uplink(), sim.AllFlows).SetDelay(40 * time.Millisecond)
	r := sim.NewPacketReceiver(s, 0, est, false)

	log.WithFields(log.Fields{
		"duration":  f.duration,
		"trace":     trace.Name,
		"estimator": est,
	}).Info("starting soak")

	start := time.Now()
	var mem runtime.MemStats
	lastStatus := time.Duration(0)
	for s.Now() < f.duration {
		if ctx.Err() != nil {
			log.Warn("interrupted, stopping early")
			break
		}
		s.RunFor(min(f.chunk, f.duration-s.Now()))
		now := s.Now()

		target := snd.TargetBitrate()
		switch {
		case math.IsNaN(target) || math.IsInf(target, 0):
			log.Errorf("[%v] non-finite target %v", now, target)
			result.SuspiciousEvents++
			result.Failed = true
		case target <= 0:
			log.Warnf("[%v] non-positive target %v", now, target)
			result.SuspiciousEvents++
		}

		if now-lastStatus >= f.status || now >= f.duration {
			lastStatus = now
			runtime.ReadMemStats(&mem)
			heapMB := float64(mem.HeapAlloc) / (1 << 20)
			result.PeakHeapMB = max(result.PeakHeapMB, heapMB)
			result.GCCycles = mem.NumGC
			log.WithFields(log.Fields{
				"virtual":  now,
				"packets":  r.Packets(),
				"target":   fmt.Sprintf("%.1f kbps", target),
				"heap_mb":  fmt.Sprintf("%.1f", heapMB),
				"gc":       mem.NumGC,
				"capacity": fmt.Sprintf("%.0f kbps", loopedCapacity(trace, now)),
			}).Info("status")
			if heapMB > f.heapLimitMB {
				log.Errorf("heap %.1f MB above the %.0f MB limit", heapMB, f.heapLimitMB)
				result.Failed = true
			}
		}
	}

	result.Virtual = s.Now()
	result.Wall = time.Since(start)
	result.Packets = r.Packets()
	result.FinalEstimateKbps = r.Estimate()
	result.FinalTargetKbps = snd.TargetBitrate()
	result.Wraparounds = int(result.Virtual / absSendTimeWrap)
	if result.Packets == 0 {
		result.Failed = true
	}
	return result, nil
}

// loopedCapacity is the capacity a looping trace filter applies at now.
func loopedCapacity(t *sim.CapacityTrace, now time.Duration) float64 {
	if d := t.Duration(); d > 0 {
		return t.At(now % d)
	}
	return t.At(now)
}

func writeSoak(out io.Writer, r soakResult, heapLimitMB float64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "virtual time\t%v\n", r.Virtual)
	fmt.Fprintf(tw, "wall time\t%v\n", r.Wall.Round(time.Millisecond))
	fmt.Fprintf(tw, "packets\t%d\n", r.Packets)
	fmt.Fprintf(tw, "final estimate\t%.1f kbps\n", r.FinalEstimateKbps)
	fmt.Fprintf(tw, "final target\t%.1f kbps\n", r.FinalTargetKbps)
	fmt.Fprintf(tw, "peak heap\t%.1f MB\n", r.PeakHeapMB)
	fmt.Fprintf(tw, "gc cycles\t%d\n", r.GCCycles)
	fmt.Fprintf(tw, "abs-send-time wraps\t%d\n", r.Wraparounds)
	fmt.Fprintf(tw, "suspicious events\t%d\n", r.SuspiciousEvents)
	fmt.Fprintf(tw, "target > 0\t%s\n", checkMark(r.FinalTargetKbps > 0))
	fmt.Fprintf(tw, "heap < %.0f MB\t%s\n", heapLimitMB, checkMark(r.PeakHeapMB < heapLimitMB))
	fmt.Fprintf(tw, "status\t%s\n", checkMark(!r.Failed))
	return tw.Flush()
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
