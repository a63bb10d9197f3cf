package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proactiva-us/pipeliner/internal/orchestrator"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			orch := orchestrator.New(store, nil, newLogger())
			snap, err := orch.SessionStatus(args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("execution %s not found", args[0])
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Printf("Execution:  %s\n", snap.ExecutionID)
			fmt.Printf("Status:     %s\n", snap.Status)
			fmt.Printf("Batch:      %d/%d\n", snap.CurrentBatch, snap.TotalBatches)
			fmt.Printf("Tasks:      %d/%d completed, %d failed\n",
				snap.CompletedTasks, snap.TotalTasks, snap.FailedTasks)
			if len(snap.ActivePRs) > 0 {
				fmt.Println("Open change requests:")
				for _, pr := range snap.ActivePRs {
					fmt.Printf("  task %-6s #%-5d %s\n", pr.Task, pr.PRNumber, pr.URL)
				}
			}
			return nil
		},
	}
}
