package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proactiva-us/pipeliner/internal/api"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		Long: `Start the HTTP control API.

Executions created through POST /api/executions run in the background on
the shared worktree sandbox pool until the server shuts down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
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

			server := api.New(api.Config{
				Addr:         cfg.Server.Addr(),
				Orchestrator: eng.orch,
				Store:        eng.store,
				Pool:         eng.pool,
				Launch: func(sessionID string) {
					go func() {
						if err := eng.newRunner().Run(ctx, sessionID); err != nil {
							logger.Error("execution runner failed",
								"session", sessionID, "error", err)
						}
					}()
				},
				Logger: logger,
			})
			return server.Start(ctx)
		},
	}

	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	return cmd
}
