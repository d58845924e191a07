package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/deploy"
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout TEMPLATE",
	Short: "Rebuild every running worker of a template",
	Long: `Rebuild every running worker of a template so template edits reach
existing devices. Workers are rebuilt in batches.

Examples:
  # Rebuild goodwe workers two at a time, 30s apart, and wait
  heliogrid rollout goodwe --parallelism 2 --delay 30s --wait

  # Show the latest rollout
  heliogrid rollout goodwe --status`,
	Args: cobra.ExactArgs(1),
	RunE: runRollout,
}

func init() {
	rolloutCmd.Flags().String("daemon", defaultDaemonAddr, "Supervisor daemon address")
	rolloutCmd.Flags().Int("parallelism", 1, "Workers rebuilt per batch")
	rolloutCmd.Flags().Duration("delay", 0, "Pause between batches")
	rolloutCmd.Flags().Bool("wait", false, "Wait for the rollout to finish")
	rolloutCmd.Flags().Bool("status", false, "Show the latest rollout instead of starting one")

	rootCmd.AddCommand(rolloutCmd)
}

func runRollout(cmd *cobra.Command, args []string) error {
	c, err := daemonClient(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	if onlyStatus, _ := cmd.Flags().GetBool("status"); onlyStatus {
		status, err := c.RolloutStatus(cmd.Context(), name)
		if err != nil {
			return err
		}
		printRollout(status)
		return nil
	}

	parallelism, _ := cmd.Flags().GetInt("parallelism")
	delay, _ := cmd.Flags().GetDuration("delay")
	wait, _ := cmd.Flags().GetBool("wait")

	status, err := c.StartRollout(cmd.Context(), name, api.RolloutRequest{
		Parallelism:  parallelism,
		DelaySeconds: int(delay / time.Second),
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Rollout of %s started (%d workers)\n", name, status.Total)

	if !wait {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for status.State == deploy.StateRunning {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
		if status, err = c.RolloutStatus(cmd.Context(), name); err != nil {
			return err
		}
	}

	printRollout(status)
	if status.State == deploy.StateFailed {
		return fmt.Errorf("rollout of %s failed", name)
	}
	return nil
}

func printRollout(status *deploy.Status) {
	fmt.Printf("Template: %s\n", status.Template)
	fmt.Printf("State:    %s\n", status.State)
	fmt.Printf("Updated:  %d/%d\n", status.Updated, status.Total)
	if status.Skipped > 0 {
		fmt.Printf("Skipped:  %d (stopped during rollout)\n", status.Skipped)
	}
	fmt.Printf("Started:  %s\n", status.StartedAt.Format(time.RFC3339))
	if !status.FinishedAt.IsZero() {
		fmt.Printf("Finished: %s\n", status.FinishedAt.Format(time.RFC3339))
	}
	for _, id := range status.FailedDevices() {
		fmt.Printf("  ✗ device %s: %s\n", id, status.Failed[id])
	}
}
