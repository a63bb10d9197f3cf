package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/orchestrator"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.md>",
		Short: "Execute an implementation plan",
		Long: `Execute a markdown implementation plan.

The plan is parsed into batches of tasks. Batches run in dependency order;
tasks inside a batch run in parallel across the worktree sandbox pool, each
driven by the coding agent and published as a change request.

Example:
  pipeliner run plan.md
  pipeliner run plan.md --batch-start 2 --batch-end 4
  pipeliner run plan.md --workers 5 --auto-merge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			batchStart, _ := cmd.Flags().GetInt("batch-start")
			batchEnd, _ := cmd.Flags().GetInt("batch-end")
			workers, _ := cmd.Flags().GetInt("workers")
			autoMerge, _ := cmd.Flags().GetBool("auto-merge")
			mode, _ := cmd.Flags().GetString("mode")
			if workers > 0 {
				cfg.Workers.Count = workers
			}
			if cmd.Flags().Changed("auto-merge") {
				cfg.Executor.AutoMerge = autoMerge
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			eng, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.close()

			if err := eng.pool.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize sandbox pool: %w", err)
			}
			defer func() {
				if err := eng.pool.Cleanup(context.Background()); err != nil {
					logger.Warn("sandbox cleanup failed", "error", err)
				}
			}()

			session, err := eng.orch.StartExecution(ctx, orchestrator.StartOptions{
				PlanPath:        args[0],
				BatchStart:      batchStart,
				BatchEnd:        batchEnd,
				ExecutionMode:   mode,
				AutoMerge:       cfg.Executor.AutoMerge,
				MaxReviewRounds: cfg.Review.MaxRounds,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Execution %s: %d batches, %d tasks\n",
				session.ID, session.TotalBatches, session.TotalTasks)

			if err := eng.newRunner().Run(ctx, session.ID); err != nil {
				return err
			}

			final, err := eng.store.GetSession(session.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Execution %s %s: %d completed, %d failed\n",
				final.ID, final.Status, final.CompletedTasks, final.FailedTasks)
			if final.Status == db.SessionFailed {
				return fmt.Errorf("execution failed: %s", final.Error)
			}
			return nil
		},
	}

	cmd.Flags().Int("batch-start", 0, "first batch to execute (default: first in plan)")
	cmd.Flags().Int("batch-end", 0, "last batch to execute (default: last in plan)")
	cmd.Flags().Int("workers", 0, "number of concurrent task workers")
	cmd.Flags().Bool("auto-merge", false, "squash-merge change requests after creation")
	cmd.Flags().String("mode", "", "execution mode recorded on the session")
	return cmd
}
