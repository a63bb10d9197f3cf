// Package git wraps the git CLI for repository and worktree operations.
package git

import (
	"context"
	"fmt"
	"strings"
)

// Repo runs git commands against a single working directory.
// Worktrees get their own Repo via At().
type Repo struct {
	dir    string
	runner CommandRunner
}

// NewRepo creates a Repo for the repository at dir.
func NewRepo(dir string, runner CommandRunner) *Repo {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Repo{dir: dir, runner: runner}
}

// At returns a Repo operating in a different working directory with the same
// runner. Used to address individual worktrees.
func (r *Repo) At(dir string) *Repo {
	return &Repo{dir: dir, runner: r.runner}
}

// Dir returns the working directory.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.dir, "git", args...)
}

// IsRepo reports whether dir is inside a git working tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// HeadCommit returns the SHA of HEAD.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return out, nil
}

// StatusPorcelain returns `git status --porcelain` output, one line per
// changed path. Empty output means a clean tree.
func (r *Repo) StatusPorcelain(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	return out, nil
}

// HasChanges reports whether the working tree has uncommitted changes.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.StatusPorcelain(ctx)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles returns the paths from `git status --porcelain`.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.StatusPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames come through as "old -> new".
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files, nil
}

// StageAll stages every change in the working tree.
func (r *Repo) StageAll(ctx context.Context) error {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("stage all: %w", err)
	}
	return nil
}

// Commit creates a commit with the given message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CheckoutBranch creates (or resets) branch at startPoint and checks it out.
func (r *Repo) CheckoutBranch(ctx context.Context, branch, startPoint string) error {
	if _, err := r.git(ctx, "checkout", "-B", branch, startPoint); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// CheckoutForce force-checks-out an existing ref, discarding local edits.
func (r *Repo) CheckoutForce(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "checkout", "-f", ref); err != nil {
		return fmt.Errorf("checkout -f %s: %w", ref, err)
	}
	return nil
}

// ResetHard resets the working tree to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("reset --hard %s: %w", ref, err)
	}
	return nil
}

// Clean removes untracked files and directories.
func (r *Repo) Clean(ctx context.Context) error {
	if _, err := r.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Fetch fetches from the remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	if _, err := r.git(ctx, "fetch", remote); err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	return nil
}

// Push pushes branch to remote, setting the upstream.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	if _, err := r.git(ctx, "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// LocalBranches returns all local branch names.
func (r *Repo) LocalBranches(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// DeleteBranch deletes a local branch, forcing if requested.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := r.git(ctx, "branch", flag, branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// WorktreeAdd creates a worktree at path on a new branch forked from startPoint.
func (r *Repo) WorktreeAdd(ctx context.Context, path, branch, startPoint string) error {
	if _, err := r.git(ctx, "worktree", "add", "-b", branch, path, startPoint); err != nil {
		return fmt.Errorf("worktree add %s: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes the worktree at path.
func (r *Repo) WorktreeRemove(ctx context.Context, path string) error {
	if _, err := r.git(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// WorktreePrune prunes stale worktree registrations.
func (r *Repo) WorktreePrune(ctx context.Context) error {
	if _, err := r.git(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}

// RemoteURL returns the URL of the given remote.
func (r *Repo) RemoteURL(ctx context.Context, remote string) (string, error) {
	out, err := r.git(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", fmt.Errorf("remote url %s: %w", remote, err)
	}
	return out, nil
}
