package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/jobstore"
	"github.com/outpost-sec/outpost/internal/scheduler"
	"github.com/outpost-sec/outpost/pkg/types"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage discovery jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovery jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one job with its discovered assets",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	jobsListCmd.Flags().String("type", "", "filter by job type")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to list")

	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	status, _ := cmd.Flags().GetString("status")
	jobType, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	jobs, err := rt.jobs.ListJobs(ctx, core.JobFilter{
		Status:  types.JobStatus(status),
		JobType: types.JobType(jobType),
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		color.White("No jobs found\n")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-10s  %-20s  %s\n", "ID", "TYPE", "STATUS", "CREATED", "TARGET")
	for _, job := range jobs {
		statusColor(job.Status).Printf("%-36s  %-10s  %-10s  %-20s  %s\n",
			job.ID, job.Type, job.Status,
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			job.Target,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("job id must be a UUID: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	job, err := rt.jobs.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		color.Red("✗ Job %s not found\n", jobID)
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", job.ID)
	fmt.Printf("Type:     %s\n", job.Type)
	fmt.Printf("Target:   %s\n", job.Target)
	statusColor(job.Status).Printf("Status:   %s\n", job.Status)
	fmt.Printf("Created:  %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:  %s\n", job.StartedAt.Local().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", job.CompletedAt.Local().Format(time.RFC3339))
	}
	assets, err := rt.assets.ListJobAssets(ctx, job.ID)
	if err == nil && len(assets) > 0 {
		fmt.Printf("\nDiscovered assets (%d):\n", len(assets))
		for _, asset := range assets {
			fmt.Printf("  %-6s %s\n", asset.Type, asset.Value)
		}
	}
	if job.Logs != "" {
		fmt.Printf("\nJob log:\n%s\n", job.Logs)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("job id must be a UUID: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	status, err := rt.scheduler.Cancel(ctx, jobID)
	if errors.Is(err, scheduler.ErrJobTerminal) {
		color.Yellow("⚠ Job already finished with status %s\n", status)
		return nil
	}
	if errors.Is(err, jobstore.ErrJobNotFound) {
		color.Red("✗ Job %s not found\n", jobID)
		return err
	}
	if err != nil {
		return err
	}

	if status == types.JobStatusCancelled {
		color.Green("✓ Job cancelled\n")
	} else {
		color.Green("✓ Cancellation requested, the worker will stop cooperatively\n")
	}
	return nil
}

func statusColor(status types.JobStatus) *color.Color {
	switch status {
	case types.JobStatusCompleted:
		return color.New(color.FgGreen)
	case types.JobStatusFailed:
		return color.New(color.FgRed)
	case types.JobStatusRunning:
		return color.New(color.FgCyan)
	case types.JobStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
