package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/outpost-sec/outpost/internal/scheduler"
	"github.com/outpost-sec/outpost/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <type> <target>",
	Short: "Enqueue a discovery job",
	Long: `Enqueue a discovery job for a target.

Examples:
  outpost scan dns_enum example.com --org 4f9c...
  outpost scan port_scan 203.0.113.0/24 --org 4f9c...
  outpost scan vuln_scan https://app.example.com --org 4f9c... --wait`,
	Args: cobra.ExactArgs(2),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("org", "", "organization ID (UUID) owning the discovered assets")
	scanCmd.Flags().Bool("wait", false, "block until the job reaches a terminal state")
	scanCmd.Flags().Duration("wait-timeout", 30*time.Minute, "maximum time to wait with --wait")
	scanCmd.Flags().StringToString("option", nil, "adapter options as key=value (repeatable)")
	scanCmd.MarkFlagRequired("org")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	jobType := types.JobType(args[0])
	target := args[1]

	orgFlag, _ := cmd.Flags().GetString("org")
	orgID, err := uuid.Parse(orgFlag)
	if err != nil {
		return fmt.Errorf("--org must be a UUID: %w", err)
	}
	options, _ := cmd.Flags().GetStringToString("option")

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	job, err := rt.scheduler.Enqueue(ctx, orgID, jobType, target, options)
	if errors.Is(err, scheduler.ErrInvalidInput) {
		color.Red("✗ %v\n", err)
		return err
	}
	if err != nil {
		return err
	}

	color.Green("✓ Job enqueued\n")
	fmt.Printf("  ID:     %s\n", job.ID)
	fmt.Printf("  Type:   %s\n", job.Type)
	fmt.Printf("  Target: %s\n", job.Target)

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		fmt.Printf("\nCheck progress with: outpost jobs status %s\n", job.ID)
		return nil
	}

	waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")
	return waitForJob(ctx, rt, job.ID, waitTimeout)
}

func waitForJob(ctx context.Context, rt *runtime, jobID uuid.UUID, timeout time.Duration) error {
	color.White("\nWaiting for job to finish...\n")

	deadline := time.After(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for job %s", jobID)
		case <-ticker.C:
			job, err := rt.jobs.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				continue
			}
			printJobResult(ctx, rt, job)
			if job.Status == types.JobStatusFailed {
				return fmt.Errorf("job %s failed", jobID)
			}
			return nil
		}
	}
}

func printJobResult(ctx context.Context, rt *runtime, job *types.DiscoveryJob) {
	switch job.Status {
	case types.JobStatusCompleted:
		color.Green("\n✓ Job completed\n")
	case types.JobStatusCancelled:
		color.Yellow("\n⚠ Job cancelled\n")
	default:
		color.Red("\n✗ Job %s\n", job.Status)
	}

	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
	}

	assets, err := rt.assets.ListJobAssets(ctx, job.ID)
	if err != nil {
		return
	}
	fmt.Printf("  Assets touched: %d\n", len(assets))
	for _, asset := range assets {
		fmt.Printf("    %-6s %s\n", asset.Type, asset.Value)
	}
	if job.Logs != "" {
		fmt.Printf("\nJob log:\n%s\n", job.Logs)
	}
}
