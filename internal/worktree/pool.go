// Package worktree manages a fixed pool of git worktree sandboxes.
//
// Each sandbox is a linked worktree under the pool's base directory, bound
// to its own branch so the main repository's checkout is never disturbed.
// Workers acquire a sandbox, run a task inside it, and release it; release
// resets the sandbox to a pristine copy of the main branch.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/proactiva-us/pipeliner/internal/git"
	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// Sandbox states.
const (
	StatusFree  = "free"
	StatusBusy  = "busy"
	StatusError = "error"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire waits for a free sandbox.
	DefaultAcquireTimeout = 5 * time.Minute
	// DefaultStuckBusyAfter is how long a sandbox may stay busy before a
	// health check flags it.
	DefaultStuckBusyAfter = 30 * time.Minute
	// acquirePoll is the wait between free-sandbox checks.
	acquirePoll = 500 * time.Millisecond
	// stepTimeout bounds each git command in the reset protocol.
	stepTimeout = 30 * time.Second
)

// Worktree is one sandbox in the pool.
type Worktree struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Branch      string    `json:"branch"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Options configures a Pool.
type Options struct {
	// Size is the number of sandboxes to create.
	Size int
	// BaseDir is the directory the sandboxes live under.
	BaseDir string
	// MainBranch is the branch sandboxes fork from and reset to.
	MainBranch string
	// Remote is the remote whose main-branch tip is the reset target.
	Remote string
	// AcquireTimeout bounds Acquire; zero means DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	// StuckBusyAfter flags long-busy sandboxes in health checks; zero means
	// DefaultStuckBusyAfter.
	StuckBusyAfter time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool hands out sandboxes to workers. A single mutex guards status
// transitions; git commands always run with the mutex released.
type Pool struct {
	mu        sync.Mutex
	worktrees []*Worktree

	repo           *git.Repo
	size           int
	baseDir        string
	mainBranch     string
	remote         string
	acquireTimeout time.Duration
	stuckBusyAfter time.Duration
	logger         *slog.Logger
	initialized    bool
}

// NewPool creates a pool over the main repository. Call Initialize before
// Acquire.
func NewPool(repo *git.Repo, opts Options) *Pool {
	p := &Pool{
		repo:           repo,
		size:           opts.Size,
		baseDir:        opts.BaseDir,
		mainBranch:     opts.MainBranch,
		remote:         opts.Remote,
		acquireTimeout: opts.AcquireTimeout,
		stuckBusyAfter: opts.StuckBusyAfter,
		logger:         opts.Logger,
	}
	if p.size <= 0 {
		p.size = 1
	}
	if p.mainBranch == "" {
		p.mainBranch = "main"
	}
	if p.remote == "" {
		p.remote = "origin"
	}
	if p.acquireTimeout <= 0 {
		p.acquireTimeout = DefaultAcquireTimeout
	}
	if p.stuckBusyAfter <= 0 {
		p.stuckBusyAfter = DefaultStuckBusyAfter
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// BranchFor returns the bound branch name for a sandbox id.
func BranchFor(id string) string {
	return "worktree-" + id
}

// Initialize creates the sandboxes. Any pre-existing sandbox directory or
// bound branch from an earlier run is removed first. Fails fast: the first
// sandbox that cannot be created aborts initialization.
func (p *Pool) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}

	for i := 1; i <= p.size; i++ {
		id := fmt.Sprintf("wt-%d", i)
		path := filepath.Join(p.baseDir, id)
		branch := BranchFor(id)

		if _, err := os.Stat(path); err == nil {
			p.logger.Info("removing stale sandbox", "id", id, "path", path)
			p.removeSandbox(ctx, path)
		}
		// A leftover bound branch blocks worktree add -b.
		_ = p.repo.DeleteBranch(ctx, branch, true)

		if err := p.addWorktree(ctx, path, branch); err != nil {
			return fmt.Errorf("initialize sandbox %s: %w", id, err)
		}

		now := time.Now()
		p.mu.Lock()
		p.worktrees = append(p.worktrees, &Worktree{
			ID:         id,
			Path:       path,
			Branch:     branch,
			Status:     StatusFree,
			CreatedAt:  now,
			LastUsedAt: now,
		})
		p.mu.Unlock()
		p.logger.Info("sandbox ready", "id", id, "branch", branch)
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	return nil
}

// addWorktree creates a linked worktree, pruning stale registrations and
// retrying once if the first attempt fails.
func (p *Pool) addWorktree(ctx context.Context, path, branch string) error {
	err := p.repo.WorktreeAdd(ctx, path, branch, p.mainBranch)
	if err == nil {
		return nil
	}
	// The registration may be stale (directory deleted out from under git).
	_ = p.repo.WorktreePrune(ctx)
	_ = p.repo.DeleteBranch(ctx, branch, true)
	return p.repo.WorktreeAdd(ctx, path, branch, p.mainBranch)
}

// Acquire waits for a free sandbox, marks it busy for taskID, and returns
// it. Errored sandboxes are given a recovery attempt while waiting. The
// wait is bounded by the pool's acquire timeout unless ctx carries an
// earlier deadline.
func (p *Pool) Acquire(ctx context.Context, taskID string) (*Worktree, error) {
	p.mu.Lock()
	ready := p.initialized
	p.mu.Unlock()
	if !ready {
		return nil, taskerr.New(taskerr.CodePoolNotInitialized, "pool not initialized")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	for {
		if wt := p.claimFree(taskID); wt != nil {
			return wt, nil
		}
		if p.recoverErrored(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, taskerr.Newf(taskerr.CodePoolAcquireTimeout,
				"no free sandbox for task %s (busy: %v)", taskID, p.busyTasks())
		case <-time.After(acquirePoll):
		}
	}
}

// claimFree marks the first free sandbox busy and returns it, or nil.
func (p *Pool) claimFree(taskID string) *Worktree {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, wt := range p.worktrees {
		if wt.Status == StatusFree {
			wt.Status = StatusBusy
			wt.CurrentTask = taskID
			wt.LastUsedAt = time.Now()
			return wt
		}
	}
	return nil
}

// recoverErrored attempts the reset protocol on errored sandboxes. Each
// candidate is marked busy while its reset runs so no other caller can
// touch it, then returned to free or error. Reports whether any sandbox
// became free.
func (p *Pool) recoverErrored(ctx context.Context) bool {
	p.mu.Lock()
	var candidates []*Worktree
	for _, wt := range p.worktrees {
		if wt.Status == StatusError {
			wt.Status = StatusBusy
			wt.CurrentTask = ""
			candidates = append(candidates, wt)
		}
	}
	p.mu.Unlock()

	recovered := false
	for _, wt := range candidates {
		err := p.reset(ctx, wt)
		p.mu.Lock()
		if err != nil {
			wt.Status = StatusError
			p.mu.Unlock()
			p.logger.Warn("sandbox recovery failed", "id", wt.ID, "error", err)
			continue
		}
		wt.Status = StatusFree
		p.mu.Unlock()
		recovered = true
		p.logger.Info("sandbox recovered", "id", wt.ID)
	}
	return recovered
}

// Release resets the sandbox and returns it to the pool. On reset failure
// the sandbox is parked in error state and the failure is returned; the
// next Acquire will retry recovery.
func (p *Pool) Release(ctx context.Context, wt *Worktree) error {
	// The sandbox stays busy during reset so it is never handed out twice.
	err := p.reset(ctx, wt)

	p.mu.Lock()
	defer p.mu.Unlock()
	wt.CurrentTask = ""
	if err != nil {
		wt.Status = StatusError
		return taskerr.Wrap(taskerr.CodePoolResetError,
			fmt.Sprintf("reset sandbox %s", wt.ID), err)
	}
	wt.Status = StatusFree
	return nil
}

// reset restores the sandbox to a pristine copy of the main branch:
// force-checkout of the bound branch (the main branch is held by the
// primary repository and cannot be checked out here), hard reset to the
// remote main tip, clean untracked files, delete task branches. Each git
// command is bounded by stepTimeout.
func (p *Pool) reset(ctx context.Context, wt *Worktree) error {
	if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
		p.logger.Warn("sandbox path missing, skipping reset", "id", wt.ID, "path", wt.Path)
		return nil
	}
	if _, err := os.Stat(filepath.Join(wt.Path, ".git")); os.IsNotExist(err) {
		p.logger.Warn("sandbox has no git metadata, skipping reset", "id", wt.ID)
		return nil
	}

	repo := p.repo.At(wt.Path)

	if err := p.step(ctx, func(c context.Context) error {
		return repo.CheckoutForce(c, wt.Branch)
	}); err != nil {
		return fmt.Errorf("checkout %s: %w", wt.Branch, err)
	}
	if err := p.step(ctx, func(c context.Context) error {
		return repo.ResetHard(c, p.remote+"/"+p.mainBranch)
	}); err != nil {
		return fmt.Errorf("reset to %s/%s: %w", p.remote, p.mainBranch, err)
	}
	if err := p.step(ctx, func(c context.Context) error {
		return repo.Clean(c)
	}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	var branches []string
	if err := p.step(ctx, func(c context.Context) (e error) {
		branches, e = repo.LocalBranches(c)
		return e
	}); err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	for _, b := range branches {
		if b == p.mainBranch || b == wt.Branch {
			continue
		}
		branch := b
		if err := p.step(ctx, func(c context.Context) error {
			return repo.DeleteBranch(c, branch, true)
		}); err != nil {
			return fmt.Errorf("delete branch %s: %w", branch, err)
		}
	}
	return nil
}

// step runs one reset command under the per-step timeout.
func (p *Pool) step(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// Cleanup removes every sandbox: worktree removal, then any stale
// directory, then the bound branch. Called at shutdown after workers stop.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	worktrees := make([]*Worktree, len(p.worktrees))
	copy(worktrees, p.worktrees)
	p.worktrees = nil
	p.initialized = false
	p.mu.Unlock()

	var firstErr error
	for _, wt := range worktrees {
		if err := p.removeSandbox(ctx, wt.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.repo.DeleteBranch(ctx, wt.Branch, true); err != nil {
			p.logger.Debug("delete sandbox branch", "branch", wt.Branch, "error", err)
		}
	}
	_ = p.repo.WorktreePrune(ctx)
	return firstErr
}

// removeSandbox removes a worktree registration and its directory.
func (p *Pool) removeSandbox(ctx context.Context, path string) error {
	if err := p.repo.WorktreeRemove(ctx, path); err != nil {
		p.logger.Debug("worktree remove", "path", path, "error", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove sandbox dir %s: %w", path, err)
	}
	return nil
}

// busyTasks returns the task ids currently holding sandboxes.
func (p *Pool) busyTasks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var tasks []string
	for _, wt := range p.worktrees {
		if wt.Status == StatusBusy && wt.CurrentTask != "" {
			tasks = append(tasks, wt.CurrentTask)
		}
	}
	return tasks
}

// PoolStatus is a point-in-time projection of the pool.
type PoolStatus struct {
	Size      int        `json:"size"`
	Free      int        `json:"free"`
	Busy      int        `json:"busy"`
	Errored   int        `json:"errored"`
	Worktrees []Worktree `json:"worktrees"`
}

// Status returns a snapshot of every sandbox.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{Size: len(p.worktrees)}
	for _, wt := range p.worktrees {
		st.Worktrees = append(st.Worktrees, *wt)
		switch wt.Status {
		case StatusFree:
			st.Free++
		case StatusBusy:
			st.Busy++
		case StatusError:
			st.Errored++
		}
	}
	return st
}
