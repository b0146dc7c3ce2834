package cmd

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/outpost-sec/outpost/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the polling worker pool",
	Long: `Run the worker pool that claims and executes discovery jobs.

Workers wake on Redis notifications and fall back to polling the job
store, so they drain the backlog even when notifications are lost.
Stop with SIGINT or SIGTERM; in-flight jobs merge what they collected
before the pool exits.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	color.Cyan("Starting %d workers (Ctrl+C to stop)\n", cfg.Scheduler.Workers)

	pool := scheduler.NewPool(rt.scheduler, rt.telemetry, cfg.Scheduler, log)
	if err := pool.Run(ctx); err != nil {
		return err
	}

	color.Green("✓ Worker pool drained\n")
	return nil
}
