// Command bwesim runs bandwidth estimators over the emulated link.
//
// Usage:
//
//	bwesim run scenario.yaml [--json] [--traces dir] [--metrics-addr :9090]
//	bwesim fairness --media 4 --capacity 2000 --duration 60s
//	bwesim soak --duration 24h --trace lte
//
// All runs use virtual time: a 24h soak finishes as fast as the CPU allows.
package main

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	verbose     bool
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "bwesim",
		Short:         "Deterministic link emulator for bandwidth estimators",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.New(cmd.ErrOrStderr()))
			log.SetLevel(log.InfoLevel)
			if flags.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose log output")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics of the run on this address")

	root.AddCommand(runSubcommand(&flags))
	root.AddCommand(fairnessSubcommand())
	root.AddCommand(soakSubcommand(&flags))
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("bwesim failed")
		os.Exit(1)
	}
}
