package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HealthReport describes the condition of one sandbox.
type HealthReport struct {
	ID        string   `json:"id"`
	Healthy   bool     `json:"healthy"`
	Issues    []string `json:"issues,omitempty"`
	Recovered bool     `json:"recovered,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// HealthCheck inspects every sandbox and attempts recovery of those in
// error state. Recovery first tries the reset protocol; if that fails the
// sandbox is removed and recreated from scratch.
func (p *Pool) HealthCheck(ctx context.Context) []HealthReport {
	p.mu.Lock()
	snapshot := make([]*Worktree, len(p.worktrees))
	copy(snapshot, p.worktrees)
	p.mu.Unlock()

	reports := make([]HealthReport, 0, len(snapshot))
	for _, wt := range snapshot {
		reports = append(reports, p.checkOne(ctx, wt))
	}
	return reports
}

func (p *Pool) checkOne(ctx context.Context, wt *Worktree) HealthReport {
	report := HealthReport{ID: wt.ID, Healthy: true}

	if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
		report.Issues = append(report.Issues, "path missing")
	} else if _, err := os.Stat(filepath.Join(wt.Path, ".git")); os.IsNotExist(err) {
		report.Issues = append(report.Issues, "not a git worktree")
	}

	p.mu.Lock()
	status := wt.Status
	lastUsed := wt.LastUsedAt
	task := wt.CurrentTask
	p.mu.Unlock()

	if status == StatusBusy && time.Since(lastUsed) > p.stuckBusyAfter {
		report.Issues = append(report.Issues,
			fmt.Sprintf("busy for %s on task %s", time.Since(lastUsed).Round(time.Minute), task))
	}
	if status == StatusError {
		report.Issues = append(report.Issues, "error state")
		err := p.recoverOne(ctx, wt)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.Recovered = true
		}
	}

	report.Healthy = len(report.Issues) == 0
	return report
}

// recoverOne resets an errored sandbox, falling back to removing and
// recreating it. The sandbox is held busy for the duration.
func (p *Pool) recoverOne(ctx context.Context, wt *Worktree) error {
	p.mu.Lock()
	if wt.Status != StatusError {
		p.mu.Unlock()
		return nil
	}
	wt.Status = StatusBusy
	wt.CurrentTask = ""
	p.mu.Unlock()

	err := p.reset(ctx, wt)
	if err != nil {
		p.logger.Warn("sandbox reset failed, recreating", "id", wt.ID, "error", err)
		err = p.recreate(ctx, wt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		wt.Status = StatusError
		return err
	}
	wt.Status = StatusFree
	wt.LastUsedAt = time.Now()
	return nil
}

// recreate removes the sandbox on disk and builds it again from the main
// branch.
func (p *Pool) recreate(ctx context.Context, wt *Worktree) error {
	if err := p.removeSandbox(ctx, wt.Path); err != nil {
		return err
	}
	if err := p.repo.DeleteBranch(ctx, wt.Branch, true); err != nil {
		p.logger.Debug("delete sandbox branch", "branch", wt.Branch, "error", err)
	}
	if err := p.addWorktree(ctx, wt.Path, wt.Branch); err != nil {
		return fmt.Errorf("recreate sandbox %s: %w", wt.ID, err)
	}
	return nil
}
