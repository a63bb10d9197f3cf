// Package executor drives one task end to end inside a sandbox: agent run,
// change detection, commit, push, and change-request publication.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/proactiva-us/pipeliner/internal/agent"
	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/hosting"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// Options configures an Executor.
type Options struct {
	// Remote is where task branches are pushed.
	Remote string
	// MainBranch is the base branch for change requests.
	MainBranch string
	// SkipExternalSideEffects stops after the local commit: no push, no
	// change request. Used for offline and benchmark runs.
	SkipExternalSideEffects bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Executor runs tasks. The hosting provider may be nil when external side
// effects are skipped.
type Executor struct {
	agent    agent.Runner
	runner   git.CommandRunner
	provider hosting.Provider
	opts     Options
	logger   *slog.Logger
}

// New creates an Executor.
func New(agentRunner agent.Runner, gitRunner git.CommandRunner, provider hosting.Provider, opts Options) *Executor {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.MainBranch == "" {
		opts.MainBranch = "main"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		agent:    agentRunner,
		runner:   gitRunner,
		provider: provider,
		opts:     opts,
		logger:   logger,
	}
}

// Request identifies one task run: the task, the sandbox it runs in, and
// the branch the sandbox is bound to. Prompt overrides the default task
// prompt when set (review-fix rounds pass an augmented one).
type Request struct {
	Task      *db.Task
	WorkDir   string
	Branch    string
	AutoMerge bool
	Prompt    string
}

// Result is the outcome of a successful run. A run with no file changes is
// still a success, with an empty CommitSHA.
type Result struct {
	Branch       string
	CommitSHA    string
	FilesChanged []string
	PRNumber     int
	PRURL        string
	Merged       bool
	AgentOutput  string
	Duration     time.Duration
}

// Published reports whether the run produced a change request.
func (r *Result) Published() bool {
	return r.PRNumber > 0
}

// Execute runs the task inside its sandbox. The sandbox is already on its
// dedicated branch, so no branch creation happens here. Failures carry
// task-taxonomy error codes so callers can record a machine-readable
// reason on the task.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	t := req.Task
	log := e.logger.With("task", t.TaskNumber, "sandbox", req.WorkDir, "branch", req.Branch)
	res := &Result{Branch: req.Branch}

	prompt := req.Prompt
	if prompt == "" {
		prompt = BuildPrompt(t)
	}
	cleanup := writeScratchPrompt(req.WorkDir, prompt)
	defer cleanup()

	log.Info("running agent", "prompt_bytes", len(prompt))
	agentRes, err := e.agent.Run(ctx, prompt, req.WorkDir)
	if agentRes != nil {
		res.AgentOutput = agentRes.Stdout + agentRes.Stderr
	}
	if err != nil {
		return nil, err
	}
	if agentRes.ExitCode != 0 {
		// The real gate is the file-system diff, not the exit code.
		log.Warn("agent exited non-zero", "exit_code", agentRes.ExitCode)
	}

	// The prompt file must be gone before the tree is inspected, or it
	// would show up as a change and land in the commit.
	cleanup()

	repo := git.NewRepo(req.WorkDir, e.runner)

	changed, err := repo.ChangedFiles(ctx)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeVCSError, "inspect working tree", err)
	}
	if len(changed) == 0 {
		log.Warn("agent produced no changes")
		res.Duration = time.Since(start)
		return res, nil
	}
	res.FilesChanged = changed
	e.checkScope(log, t, changed)

	if err := repo.StageAll(ctx); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeVCSError, "stage changes", err)
	}
	if err := repo.Commit(ctx, commitMessage(t)); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeVCSError, "commit", err)
	}
	sha, err := repo.HeadCommit(ctx)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeVCSError, "read commit sha", err)
	}
	res.CommitSHA = sha
	log.Info("committed", "sha", sha, "files", len(changed))

	if e.opts.SkipExternalSideEffects {
		log.Info("skipping push and change request (external side effects disabled)")
		res.Duration = time.Since(start)
		return res, nil
	}

	if err := repo.Push(ctx, e.opts.Remote, req.Branch); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeVCSError,
			fmt.Sprintf("push %s", req.Branch), err)
	}

	pr, err := e.findOrCreatePR(ctx, t, req.Branch)
	if err != nil {
		return nil, err
	}
	res.PRNumber = pr.Number
	res.PRURL = pr.HTMLURL
	log.Info("change request open", "number", pr.Number, "url", pr.HTMLURL)

	if req.AutoMerge {
		res.Merged = e.tryMerge(ctx, log, pr)
	}

	res.Duration = time.Since(start)
	return res, nil
}

// checkScope warns about changed files outside the task's declared file
// list. Declared entries are treated as glob patterns; a task with no
// declared files is unconstrained.
func (e *Executor) checkScope(log *slog.Logger, t *db.Task, changed []string) {
	if len(t.Files) == 0 {
		return
	}
	for _, path := range changed {
		inScope := false
		for _, pattern := range t.Files {
			if pattern == path {
				inScope = true
				break
			}
			if ok, err := doublestar.Match(pattern, path); err == nil && ok {
				inScope = true
				break
			}
		}
		if !inScope {
			log.Warn("change outside declared files", "path", path)
		}
	}
}

// findOrCreatePR returns the open change request for the branch, creating
// one if none exists.
func (e *Executor) findOrCreatePR(ctx context.Context, t *db.Task, branch string) (*hosting.PR, error) {
	if e.provider == nil {
		return nil, taskerr.New(taskerr.CodePublishError, "no hosting provider configured")
	}

	pr, err := e.provider.FindPRByBranch(ctx, branch)
	if err == nil {
		e.logger.Info("reusing open change request", "number", pr.Number)
		return pr, nil
	}
	if !errors.Is(err, hosting.ErrNoPRFound) {
		return nil, taskerr.Wrap(taskerr.CodePublishError, "look up change request", err)
	}

	pr, err = e.provider.CreatePR(ctx, hosting.PRCreateOptions{
		Title: fmt.Sprintf("Task %s: %s", t.TaskNumber, t.Title),
		Body:  prBody(t),
		Head:  branch,
		Base:  e.opts.MainBranch,
	})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodePublishError, "create change request", err)
	}
	return pr, nil
}

// tryMerge squash-merges the change request and deletes the remote branch.
// Merge failure does not fail the task; the change request stays open for
// review.
func (e *Executor) tryMerge(ctx context.Context, log *slog.Logger, pr *hosting.PR) bool {
	err := e.provider.MergePR(ctx, pr.Number, hosting.PRMergeOptions{
		Method:       "squash",
		CommitTitle:  fmt.Sprintf("Merge: %s", pr.Title),
		DeleteBranch: true,
	})
	if err != nil {
		log.Warn("merge failed, leaving change request open", "number", pr.Number, "error", err)
		return false
	}
	log.Info("change request merged", "number", pr.Number)
	return true
}
