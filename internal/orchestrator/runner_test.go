package orchestrator

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

	"github.com/proactiva-us/pipeliner/internal/agent"
	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

// fakeGitRunner serves canned git output and errors, keyed by substring of
// the joined command. It materializes sandbox directories on worktree add
// so the pool behaves like it would against a real repository.
type fakeGitRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]string
	errs      map[string]error
}

func (f *fakeGitRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if len(args) >= 6 && args[0] == "worktree" && args[1] == "add" {
		_ = os.MkdirAll(filepath.Join(args[4], ".git"), 0o755)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, err := range f.errs {
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

func (f *fakeGitRunner) setErr(sub string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[sub] = err
}

// stubAgent is a Runner that records prompts and reports success.
type stubAgent struct {
	mu      sync.Mutex
	prompts []string
}

func (s *stubAgent) Run(ctx context.Context, prompt, workDir string) (*agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return &agent.Result{Stdout: "done"}, nil
}

// hungAgent blocks until the run deadline fires, then reports its own
// timeout the way the CLI runner does.
type hungAgent struct{}

func (hungAgent) Run(ctx context.Context, prompt, workDir string) (*agent.Result, error) {
	<-ctx.Done()
	return nil, taskerr.New(taskerr.CodeAgentTimeout, "agent run timed out")
}

func newTestRunner(t *testing.T, o *Orchestrator, store *db.ExecDB, workers int) (*Runner, *stubAgent) {
	t.Helper()

	runner := &fakeGitRunner{responses: map[string]string{
		"status --porcelain": " M internal/config/config.go",
		"rev-parse HEAD":     "abc1234def",
	}}
	pool := worktree.NewPool(git.NewRepo(t.TempDir(), runner), worktree.Options{
		Size:    2,
		BaseDir: filepath.Join(t.TempDir(), "worktrees"),
		Logger:  testLogger(),
	})
	require.NoError(t, pool.Initialize(context.Background()))

	ag := &stubAgent{}
	exec := executor.New(ag, runner, nil, executor.Options{
		SkipExternalSideEffects: true,
		Logger:                  testLogger(),
	})

	return NewRunner(RunnerConfig{
		Orchestrator: o,
		Store:        store,
		Pool:         pool,
		Executor:     exec,
		Workers:      workers,
		PollInterval: 20 * time.Millisecond,
		TaskTimeout:  5 * time.Second,
		Logger:       testLogger(),
	}), ag
}

func TestRunnerExecutesPlanToCompletion(t *testing.T) {
	o, store := newTestOrch(t)
	session := startTestSession(t, o, StartOptions{})
	runner, ag := newTestRunner(t, o, store, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx, session.ID))

	sess, err := store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionComplete, sess.Status)
	assert.Equal(t, 3, sess.CompletedTasks)
	assert.Equal(t, 0, sess.FailedTasks)

	batches, err := store.ListBatches(session.ID)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, db.BatchComplete, b.Status)
	}

	tasks, err := store.ListTasksBySession(session.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, db.TaskComplete, task.Status)
		assert.Equal(t, "abc1234def", task.CommitSHA)
		require.NotNil(t, task.CompletedAt)
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	require.Len(t, ag.prompts, 3)
	assert.Contains(t, ag.prompts[0], "# Task")
}

func TestWorkerRecordsAgentTimeoutReason(t *testing.T) {
	o, store := newTestOrch(t)
	session := startTestSession(t, o, StartOptions{})
	ctx := context.Background()

	runner := &fakeGitRunner{responses: map[string]string{}}
	pool := worktree.NewPool(git.NewRepo(t.TempDir(), runner), worktree.Options{
		Size:    1,
		BaseDir: filepath.Join(t.TempDir(), "worktrees"),
		Logger:  testLogger(),
	})
	require.NoError(t, pool.Initialize(ctx))

	w := NewWorker(WorkerConfig{
		ID:           "worker-1",
		SessionID:    session.ID,
		Orchestrator: o,
		Store:        store,
		Pool:         pool,
		Executor: executor.New(hungAgent{}, runner, nil, executor.Options{
			SkipExternalSideEffects: true,
			Logger:                  testLogger(),
		}),
		TaskTimeout: 50 * time.Millisecond,
		Logger:      testLogger(),
	})

	task, err := o.ClaimNextTask(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, w.runTask(ctx, session, task))

	// The agent's own timeout outranks the shared task deadline.
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "agent_timeout:"), got.Error)
}

func TestScheduleFailsSessionOnFailedBatch(t *testing.T) {
	o, store := newTestOrch(t)
	session := startTestSession(t, o, StartOptions{})
	ctx := context.Background()

	batches, err := store.ListBatches(session.ID)
	require.NoError(t, err)
	require.NoError(t, o.MarkBatchExecuting(batches[0]))
	require.NoError(t, o.MarkSessionStatus(session.ID, db.SessionExecuting, ""))

	first, err := o.ClaimNextTask(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, o.MarkTaskResult(ctx, first, TaskOutcome{
		Status: db.TaskFailed, Error: "agent_timeout: agent run timed out",
	}))
	second, err := o.ClaimNextTask(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, o.MarkTaskResult(ctx, second, TaskOutcome{
		Status: db.TaskComplete, CommitSHA: "abc1234",
	}))

	runner := NewRunner(RunnerConfig{Orchestrator: o, Store: store, Logger: testLogger()})
	require.NoError(t, runner.schedule(ctx, session.ID))

	sess, err := store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, sess.Status)

	batch, err := store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchFailed, batch.Status)

	// Batch 2 never ran.
	batch2, err := store.GetBatch(BatchID(session.ID, 2))
	require.NoError(t, err)
	assert.Equal(t, db.BatchPending, batch2.Status)
}

func TestScheduleFailsBlockedSession(t *testing.T) {
	o, store := newTestOrch(t)
	session := startTestSession(t, o, StartOptions{})
	ctx := context.Background()

	require.NoError(t, store.UpdateBatchStatus(BatchID(session.ID, 1), db.BatchFailed))
	require.NoError(t, o.MarkSessionStatus(session.ID, db.SessionExecuting, ""))

	runner := NewRunner(RunnerConfig{Orchestrator: o, Store: store, Logger: testLogger()})
	require.NoError(t, runner.schedule(ctx, session.ID))

	sess, err := store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, sess.Status)
	assert.Contains(t, sess.Error, "blocked by failed dependencies")
}

func TestScheduleStopsOnTerminalSession(t *testing.T) {
	o, store := newTestOrch(t)
	session := startTestSession(t, o, StartOptions{})
	require.NoError(t, o.MarkSessionStatus(session.ID, db.SessionComplete, ""))

	runner := NewRunner(RunnerConfig{Orchestrator: o, Store: store, Logger: testLogger()})
	done := make(chan error, 1)
	go func() { done <- runner.schedule(context.Background(), session.ID) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not observe terminal session")
	}
}
