package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// fakeRunner records git invocations and serves canned responses. Keys in
// responses and errors are matched as substrings of the joined command so
// tests don't have to spell out temp paths.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]string
	errors    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	// worktree add -b <branch> <path> <start>: materialize the sandbox dir
	// so reset-protocol stat checks behave like a real worktree.
	if len(args) >= 6 && args[0] == "worktree" && args[1] == "add" {
		_ = os.MkdirAll(filepath.Join(args[4], ".git"), 0o755)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, err := range f.errors {
		if strings.Contains(key, sub) {
			return "", err
		}
	}
	for sub, out := range f.responses {
		if strings.Contains(key, sub) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) called(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) setError(sub string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, sub)
		return
	}
	f.errors[sub] = err
}

func newTestPool(t *testing.T, size int) (*Pool, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{
		responses: map[string]string{},
		errors:    map[string]error{},
	}
	repo := git.NewRepo(t.TempDir(), runner)
	p := NewPool(repo, Options{
		Size:           size,
		BaseDir:        filepath.Join(t.TempDir(), "pool"),
		MainBranch:     "main",
		Remote:         "origin",
		AcquireTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, p.Initialize(context.Background()))
	return p, runner
}

func TestInitializeCreatesSandboxes(t *testing.T) {
	p, runner := newTestPool(t, 2)

	st := p.Status()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Free)
	assert.True(t, runner.called("worktree add -b worktree-wt-1"))
	assert.True(t, runner.called("worktree add -b worktree-wt-2"))
}

func TestAcquireFirstFitAndTimeout(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	wt1, err := p.Acquire(ctx, "exec_a_task_1.1")
	require.NoError(t, err)
	assert.Equal(t, "wt-1", wt1.ID)
	assert.Equal(t, StatusBusy, wt1.Status)
	assert.Equal(t, "exec_a_task_1.1", wt1.CurrentTask)

	wt2, err := p.Acquire(ctx, "exec_a_task_1.2")
	require.NoError(t, err)
	assert.Equal(t, "wt-2", wt2.ID)

	// Pool exhausted: the third caller times out with the busy holders.
	_, err = p.Acquire(ctx, "exec_a_task_1.3")
	require.Error(t, err)
	assert.True(t, taskerr.HasCode(err, taskerr.CodePoolAcquireTimeout))
	assert.Contains(t, err.Error(), "exec_a_task_1.1")
}

func TestAcquireBeforeInitialize(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{}, errors: map[string]error{}}
	p := NewPool(git.NewRepo(t.TempDir(), runner), Options{Size: 1, BaseDir: t.TempDir()})

	_, err := p.Acquire(context.Background(), "t")
	require.Error(t, err)
	assert.True(t, taskerr.HasCode(err, taskerr.CodePoolNotInitialized))
}

func TestReleaseRunsResetProtocol(t *testing.T) {
	p, runner := newTestPool(t, 1)
	ctx := context.Background()

	runner.responses["branch --format"] = "main\nworktree-wt-1\ntask-1.1-add-parser"

	wt, err := p.Acquire(ctx, "task")
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, wt))

	assert.True(t, runner.called("checkout -f worktree-wt-1"))
	assert.True(t, runner.called("reset --hard origin/main"))
	assert.True(t, runner.called("clean -fd"))
	assert.True(t, runner.called("branch -D task-1.1-add-parser"))
	assert.False(t, runner.called("branch -D main"))
	assert.False(t, runner.called("branch -D worktree-wt-1"))

	st := p.Status()
	assert.Equal(t, 1, st.Free)
	assert.Empty(t, wt.CurrentTask)
}

func TestReleaseMissingPathIsNoop(t *testing.T) {
	p, runner := newTestPool(t, 1)
	ctx := context.Background()

	wt, err := p.Acquire(ctx, "task")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(wt.Path))

	require.NoError(t, p.Release(ctx, wt))
	assert.False(t, runner.called("checkout -f"))
	assert.Equal(t, 1, p.Status().Free)
}

func TestReleaseFailureParksErrorThenRecovers(t *testing.T) {
	p, runner := newTestPool(t, 1)
	ctx := context.Background()

	runner.setError("reset --hard", assert.AnError)

	wt, err := p.Acquire(ctx, "task")
	require.NoError(t, err)

	err = p.Release(ctx, wt)
	require.Error(t, err)
	assert.True(t, taskerr.HasCode(err, taskerr.CodePoolResetError))
	assert.Equal(t, 1, p.Status().Errored)

	// Once the underlying fault clears, the next acquire recovers the
	// sandbox and hands it out.
	runner.setError("reset --hard", nil)
	got, err := p.Acquire(ctx, "task2")
	require.NoError(t, err)
	assert.Equal(t, wt.ID, got.ID)
}

func TestCleanup(t *testing.T) {
	p, runner := newTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, p.Cleanup(ctx))
	assert.True(t, runner.called("worktree remove --force"))
	assert.True(t, runner.called("branch -D worktree-wt-1"))
	assert.True(t, runner.called("branch -D worktree-wt-2"))
	assert.True(t, runner.called("worktree prune"))
	assert.Equal(t, 0, p.Status().Size)
}

func TestHealthCheckFlagsStuckBusy(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	wt, err := p.Acquire(ctx, "task")
	require.NoError(t, err)

	p.mu.Lock()
	wt.LastUsedAt = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	reports := p.HealthCheck(ctx)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Healthy)
	require.NotEmpty(t, reports[0].Issues)
	assert.Contains(t, reports[0].Issues[0], "busy for")
}

func TestHealthCheckRecoversErroredSandbox(t *testing.T) {
	p, runner := newTestPool(t, 1)
	ctx := context.Background()

	runner.setError("reset --hard", assert.AnError)
	wt, err := p.Acquire(ctx, "task")
	require.NoError(t, err)
	require.Error(t, p.Release(ctx, wt))

	runner.setError("reset --hard", nil)
	reports := p.HealthCheck(ctx)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Recovered)
	assert.Contains(t, reports[0].Issues, "error state")
	assert.Equal(t, 1, p.Status().Free)
}

// TestPoolAgainstRealRepository drives acquire, mutate, release against an
// actual repository so the reset protocol runs real git commands. Skips
// when the git binary is unavailable.
func TestPoolAgainstRealRepository(t *testing.T) {
	ctx := context.Background()
	runner := git.NewExecRunner()
	if _, err := runner.Run(ctx, t.TempDir(), "git", "version"); err != nil {
		t.Skip("git binary not available")
	}

	remote := t.TempDir()
	_, err := runner.Run(ctx, remote, "git", "init", "--bare")
	require.NoError(t, err)

	dir := t.TempDir()
	mustGit := func(workDir string, args ...string) {
		t.Helper()
		out, err := runner.Run(ctx, workDir, "git", args...)
		require.NoError(t, err, out)
	}
	mustGit(dir, "init")
	mustGit(dir, "checkout", "-b", "main")
	mustGit(dir, "config", "user.email", "pipeliner@example.com")
	mustGit(dir, "config", "user.name", "pipeliner")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	mustGit(dir, "add", "-A")
	mustGit(dir, "commit", "-m", "initial")
	mustGit(dir, "remote", "add", "origin", remote)
	mustGit(dir, "push", "-u", "origin", "main")

	p := NewPool(git.NewRepo(dir, runner), Options{
		Size:    1,
		BaseDir: filepath.Join(t.TempDir(), "pool"),
	})
	require.NoError(t, p.Initialize(ctx))
	t.Cleanup(func() { _ = p.Cleanup(context.Background()) })

	wt, err := p.Acquire(ctx, "exec_a_task_1.1")
	require.NoError(t, err)

	// Mutate the sandbox the way a task run would: a committed file on the
	// bound branch, an untracked leftover, and a stray branch.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "feature.go"), []byte("package feature\n"), 0o644))
	mustGit(wt.Path, "add", "-A")
	mustGit(wt.Path, "commit", "-m", "task work")
	mustGit(wt.Path, "branch", "stray-branch")
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("tmp\n"), 0o644))

	require.NoError(t, p.Release(ctx, wt))
	assert.Equal(t, StatusFree, wt.Status)

	// Pristine again: the commit, the leftover, and the branch are gone.
	_, err = os.Stat(filepath.Join(wt.Path, "feature.go"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(wt.Path, "scratch.txt"))
	assert.True(t, os.IsNotExist(err))
	status, err := runner.Run(ctx, wt.Path, "git", "status", "--porcelain")
	require.NoError(t, err)
	assert.Empty(t, status)
	branches, err := git.NewRepo(wt.Path, runner).LocalBranches(ctx)
	require.NoError(t, err)
	assert.NotContains(t, branches, "stray-branch")
	assert.Contains(t, branches, wt.Branch)

	again, err := p.Acquire(ctx, "exec_a_task_1.2")
	require.NoError(t, err)
	assert.Equal(t, wt.ID, again.ID)
}

func TestHealthCheckHealthy(t *testing.T) {
	p, _ := newTestPool(t, 1)
	reports := p.HealthCheck(context.Background())
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Healthy)
	assert.Empty(t, reports[0].Issues)
}
