package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/proactiva-us/pipeliner/internal/config"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

// newCleanupCmd creates the cleanup command
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover sandboxes and worktree branches",
		Long: `Remove leftover sandboxes and worktree branches.

A crashed run can leave worktree directories and their bound branches
behind. This removes the sandbox base directory, prunes stale worktree
registrations, and deletes local worktree-* branches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			repoPath := cfg.Git.RepoPath
			if repoPath == "" {
				repoPath = "."
			}
			repo := git.NewRepo(repoPath, git.NewExecRunner())
			ctx := context.Background()
			if !repo.IsRepo(ctx) {
				return fmt.Errorf("%s is not a git repository", repoPath)
			}

			baseDir := cfg.Pool.BaseDir
			if baseDir == "" {
				baseDir = filepath.Join(repoPath, config.PipelinerDir, "worktrees")
			}
			if err := os.RemoveAll(baseDir); err != nil {
				return fmt.Errorf("remove sandbox dir: %w", err)
			}
			if err := repo.WorktreePrune(ctx); err != nil {
				return err
			}

			branches, err := repo.LocalBranches(ctx)
			if err != nil {
				return err
			}
			removed := 0
			for _, branch := range branches {
				if !strings.HasPrefix(branch, worktree.BranchFor("")) {
					continue
				}
				if err := repo.DeleteBranch(ctx, branch, true); err != nil {
					fmt.Fprintf(os.Stderr, "warning: delete branch %s: %v\n", branch, err)
					continue
				}
				removed++
			}

			fmt.Printf("Removed %s and %d worktree branch(es)\n", baseDir, removed)
			return nil
		},
	}
}
