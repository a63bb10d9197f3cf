package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/executor"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/hosting"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

type fakeProvider struct {
	reviews    []hosting.PRReview
	reviewsErr error
	mergeErr   error
	merged     []int
}

func (f *fakeProvider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	return nil, hosting.ErrNoPRFound
}

func (f *fakeProvider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	return nil, hosting.ErrNoPRFound
}

func (f *fakeProvider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakeProvider) GetPRReviews(ctx context.Context, number int) ([]hosting.PRReview, error) {
	return f.reviews, f.reviewsErr
}

func (f *fakeProvider) DeleteBranch(ctx context.Context, branch string) error { return nil }
func (f *fakeProvider) CheckAuth(ctx context.Context) error                   { return nil }
func (f *fakeProvider) Name() hosting.ProviderType                            { return hosting.ProviderGitHub }
func (f *fakeProvider) OwnerRepo() (string, string)                           { return "octo", "repo" }

// reviewFixture stands up a session with one task parked in reviewing,
// plus a review worker wired to fakes.
type reviewFixture struct {
	orch     *Orchestrator
	store    *db.ExecDB
	worker   *ReviewWorker
	provider *fakeProvider
	agent    *stubAgent
	runner   *fakeGitRunner
	session  *db.Session
	task     *db.Task
}

func newReviewFixture(t *testing.T, autoMerge bool) *reviewFixture {
	t.Helper()
	ctx := context.Background()

	o, store := newTestOrch(t)
	started := startTestSession(t, o, StartOptions{AutoMerge: autoMerge, MaxReviewRounds: 2})

	task, err := o.ClaimNextTask(ctx, started.ID)
	require.NoError(t, err)
	require.NoError(t, o.MarkTaskResult(ctx, task, TaskOutcome{
		Status:   db.TaskPRCreated,
		Branch:   "worktree-wt-1",
		PRNumber: 5,
		PRURL:    "https://example.com/pull/5",
	}))
	claimed, err := o.ClaimNextReviewTask(ctx, started.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	runner := &fakeGitRunner{responses: map[string]string{
		"status --porcelain": " M internal/config/config.go",
		"rev-parse HEAD":     "fix5678abc",
	}}
	pool := worktree.NewPool(git.NewRepo(t.TempDir(), runner), worktree.Options{
		Size:    1,
		BaseDir: filepath.Join(t.TempDir(), "worktrees"),
		Logger:  testLogger(),
	})
	require.NoError(t, pool.Initialize(ctx))

	ag := &stubAgent{}
	provider := &fakeProvider{}
	worker := NewReviewWorker(ReviewWorkerConfig{
		Orchestrator: o,
		Store:        store,
		Pool:         pool,
		Executor: executor.New(ag, runner, nil, executor.Options{
			SkipExternalSideEffects: true,
			Logger:                  testLogger(),
		}),
		Provider:    provider,
		Runner:      runner,
		TaskTimeout: 5 * time.Second,
		Logger:      testLogger(),
	})

	session, err := store.GetSession(started.ID)
	require.NoError(t, err)
	return &reviewFixture{
		orch: o, store: store, worker: worker,
		provider: provider, agent: ag, runner: runner,
		session: session, task: claimed,
	}
}

func TestReviewNoVerdictReleasesClaim(t *testing.T) {
	f := newReviewFixture(t, false)
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "COMMENTED", Body: "looks plausible"},
	}

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPRCreated, got.Status)
	assert.Equal(t, 0, got.ReviewRounds)

	reviews, err := f.store.ListReviews(f.task.ID)
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestReviewFetchErrorReleasesClaim(t *testing.T) {
	f := newReviewFixture(t, false)
	f.provider.reviewsErr = errors.New("rate limited")

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPRCreated, got.Status)
}

func TestReviewApprovedParksWithoutAutoMerge(t *testing.T) {
	f := newReviewFixture(t, false)
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "APPROVED", Body: "ship it"},
	}

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskApproved, got.Status)
	assert.Equal(t, 1, got.ReviewRounds)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, f.provider.merged)

	reviews, err := f.store.ListReviews(f.task.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, db.ReviewApproved, reviews[0].State)
	assert.Equal(t, "octocat", reviews[0].Reviewer)
	assert.Equal(t, 1, reviews[0].Round)
}

func TestReviewApprovedAutoMerges(t *testing.T) {
	f := newReviewFixture(t, true)
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "APPROVED"},
	}

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskMerged, got.Status)
	assert.Equal(t, []int{5}, f.provider.merged)
}

func TestReviewAutoMergeFailureParksApproved(t *testing.T) {
	f := newReviewFixture(t, true)
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "APPROVED"},
	}
	f.provider.mergeErr = errors.New("merge conflict")

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskApproved, got.Status)
}

func TestReviewChangesRequestedRunsFixRound(t *testing.T) {
	f := newReviewFixture(t, false)
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "CHANGES_REQUESTED", Body: "rename the flag"},
	}

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPRCreated, got.Status)
	assert.Equal(t, 1, got.ReviewRounds)
	assert.Equal(t, "fix5678abc", got.CommitSHA)

	reviews, err := f.store.ListReviews(f.task.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, db.ReviewChangesRequested, reviews[0].State)

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	require.Len(t, f.agent.prompts, 1)
	assert.Contains(t, f.agent.prompts[0], "Reviewer feedback")
	assert.Contains(t, f.agent.prompts[0], "rename the flag")
}

func TestReviewFixRoundFailsWhenBranchSyncFails(t *testing.T) {
	f := newReviewFixture(t, false)
	f.runner.setErr("fetch", errors.New("remote unreachable"))
	f.provider.reviews = []hosting.PRReview{
		{Author: "octocat", State: "CHANGES_REQUESTED", Body: "rename the flag"},
	}

	require.NoError(t, f.worker.processTask(context.Background(), f.session, f.task))

	got, err := f.store.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, got.Status)
	assert.Equal(t, 1, got.ReviewRounds)
	assert.Contains(t, got.Error, "vcs_error")
	assert.Contains(t, got.Error, "remote unreachable")
	require.NotNil(t, got.CompletedAt)

	// The agent never ran against an unsynced tree.
	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	assert.Empty(t, f.agent.prompts)
}

func TestReviewWorkerStopsOnTerminalSession(t *testing.T) {
	f := newReviewFixture(t, false)
	require.NoError(t, f.orch.MarkSessionStatus(f.session.ID, db.SessionComplete, ""))

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(context.Background(), f.session.ID) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("review worker did not observe terminal session")
	}
}

func TestReviewVerdict(t *testing.T) {
	tests := []struct {
		name    string
		reviews []hosting.PRReview
		want    string
	}{
		{"empty", nil, ""},
		{"comment only", []hosting.PRReview{{Author: "a", State: "COMMENTED"}}, ""},
		{"approved", []hosting.PRReview{{Author: "a", State: "APPROVED"}}, db.ReviewApproved},
		{"changes requested", []hosting.PRReview{{Author: "a", State: "CHANGES_REQUESTED"}}, db.ReviewChangesRequested},
		{
			"later approval supersedes",
			[]hosting.PRReview{
				{Author: "a", State: "CHANGES_REQUESTED"},
				{Author: "a", State: "APPROVED"},
			},
			db.ReviewApproved,
		},
		{
			"any standing objection wins",
			[]hosting.PRReview{
				{Author: "a", State: "APPROVED"},
				{Author: "b", State: "CHANGES_REQUESTED"},
			},
			db.ReviewChangesRequested,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reviewVerdict(tt.reviews))
		})
	}
}
