package cmd

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-sec/outpost/internal/api"
	"github.com/outpost-sec/outpost/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API for job management and inventory queries.

With --with-workers the process also runs an embedded worker pool, which
is the single-binary deployment mode.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("with-workers", false, "also run the worker pool in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	var pool *scheduler.Pool
	withWorkers, _ := cmd.Flags().GetBool("with-workers")
	if withWorkers {
		pool = scheduler.NewPool(rt.scheduler, rt.telemetry, cfg.Scheduler, log)
	}

	server := api.NewServer(rt.scheduler, rt.jobs, rt.assets, pool, cfg.API, log)

	color.Cyan("Starting API server on %s\n", cfg.API.Addr)
	if withWorkers {
		color.Cyan("Embedded worker pool: %d workers\n", cfg.Scheduler.Workers)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	if pool != nil {
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}
	return g.Wait()
}
