package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/greensched/greensched/internal/common/schedcontext"
	"github.com/greensched/greensched/internal/scheduler"
	"github.com/greensched/greensched/internal/scheduler/configuration"
	"github.com/greensched/greensched/internal/scheduler/testfixtures"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "greensched",
		Short: "greensched is an energy-aware cloud workload scheduler core",
	}
	cmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	cmd.AddCommand(replayCmd())
	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a scripted event trace against the scheduler and print the terminal report",
		RunE:  runReplay,
	}
	cmd.Flags().String("trace", "", "path to the YAML event trace to replay")
	cmd.Flags().String("config", "", "path to a SchedulingConfig YAML file (defaults apply if unset)")
	if err := cmd.MarkFlagRequired("trace"); err != nil {
		panic(err)
	}
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	ctx, err := contextFromFlags(flags)
	if err != nil {
		return err
	}
	config, err := configFromFlags(flags)
	if err != nil {
		return err
	}
	tracePath, err := flags.GetString("trace")
	if err != nil {
		return err
	}
	trace, err := testfixtures.TraceFromFilePath(tracePath)
	if err != nil {
		return err
	}
	tc := testfixtures.NewTestCluster(trace.Machines...)
	tc.VMOverhead = config.VMMemoryOverhead
	sched, err := scheduler.New(
		config,
		tc,
		tc,
		scheduler.WriterSink{Out: cmd.OutOrStdout()},
		prometheus.NewRegistry(),
	)
	if err != nil {
		return err
	}
	return testfixtures.Replay(ctx, sched, tc, trace)
}

func contextFromFlags(flags *pflag.FlagSet) (*schedcontext.Context, error) {
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	ctx := schedcontext.Background()
	ctx.Log = logrus.NewEntry(log)
	return ctx, nil
}

func configFromFlags(flags *pflag.FlagSet) (configuration.SchedulingConfig, error) {
	configPath, err := flags.GetString("config")
	if err != nil || configPath == "" {
		return configuration.Default(), err
	}
	return configuration.FromFilePath(configPath)
}
