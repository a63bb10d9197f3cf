package git

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records commands and serves canned responses keyed by the
// joined argument string.
type fakeRunner struct {
	calls     []string
	responses map[string]string
	errors    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, workDir+": "+key)
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func TestChangedFiles(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["git status --porcelain"] = " M internal/app/main.go\n?? internal/app/new.go\nR  old.go -> new.go"

	repo := NewRepo("/repo", runner)
	files, err := repo.ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/app/main.go", "internal/app/new.go", "new.go"}, files)
}

func TestHasChanges(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/repo", runner)

	clean, err := repo.HasChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, clean)

	runner.responses["git status --porcelain"] = " M file.go"
	dirty, err := repo.HasChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestLocalBranches(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["git branch --format=%(refname:short)"] = "main\nworktree-wt-0\ntask-1-1"

	repo := NewRepo("/repo", runner)
	branches, err := repo.LocalBranches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "worktree-wt-0", "task-1-1"}, branches)
}

func TestDeleteBranchForce(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/repo", runner)

	require.NoError(t, repo.DeleteBranch(context.Background(), "stale", true))
	require.NoError(t, repo.DeleteBranch(context.Background(), "merged", false))

	assert.Contains(t, runner.calls, "/repo: git branch -D stale")
	assert.Contains(t, runner.calls, "/repo: git branch -d merged")
}

func TestWorktreeAdd(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/repo", runner)

	require.NoError(t, repo.WorktreeAdd(context.Background(), "/pool/wt-0", "worktree-wt-0", "main"))
	assert.Equal(t, []string{"/repo: git worktree add -b worktree-wt-0 /pool/wt-0 main"}, runner.calls)
}

func TestAtUsesNewDir(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/repo", runner)

	wt := repo.At("/pool/wt-1")
	require.NoError(t, wt.StageAll(context.Background()))
	assert.Equal(t, []string{"/pool/wt-1: git add -A"}, runner.calls)
	assert.Equal(t, "/pool/wt-1", wt.Dir())
	assert.Equal(t, "/repo", repo.Dir())
}

func TestCommandErrorsWrapped(t *testing.T) {
	runner := newFakeRunner()
	cmdErr := &CommandError{Command: "git", Output: "fatal: not a git repository"}
	runner.errors["git push -u origin task-1-1"] = cmdErr

	repo := NewRepo("/repo", runner)
	err := repo.Push(context.Background(), "origin", "task-1-1")
	require.Error(t, err)

	var got *CommandError
	require.ErrorAs(t, err, &got)
	assert.Contains(t, err.Error(), "push task-1-1")
	assert.Contains(t, fmt.Sprint(got), "not a git repository")
}

func TestCheckoutAndReset(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/pool/wt-2", runner)
	ctx := context.Background()

	require.NoError(t, repo.CheckoutForce(ctx, "worktree-wt-2"))
	require.NoError(t, repo.ResetHard(ctx, "origin/main"))
	require.NoError(t, repo.Clean(ctx))

	assert.Equal(t, []string{
		"/pool/wt-2: git checkout -f worktree-wt-2",
		"/pool/wt-2: git reset --hard origin/main",
		"/pool/wt-2: git clean -fd",
	}, runner.calls)
}
