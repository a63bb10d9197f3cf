// Package agent runs the coding agent CLI against a working directory.
package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

// DefaultTimeout bounds a single agent invocation.
const DefaultTimeout = 30 * time.Minute

// Result holds the outcome of one agent run. A non-zero exit code is
// reported here rather than as an error so callers can decide whether
// the run still produced usable changes.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a prompt in a working directory.
type Runner interface {
	Run(ctx context.Context, prompt, workDir string) (*Result, error)
}

// CLIRunner shells out to the agent binary in non-interactive print mode.
type CLIRunner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a CLIRunner.
type Option func(*CLIRunner)

// WithTimeout overrides the per-run timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *CLIRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *CLIRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewCLIRunner returns a runner invoking the given agent binary.
// An empty binary defaults to "claude".
func NewCLIRunner(binary string, opts ...Option) *CLIRunner {
	r := &CLIRunner{
		binary:  binary,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	if r.binary == "" {
		r.binary = "claude"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run writes the prompt to a scratch file and executes the agent in
// workDir. The process runs in its own group so child processes are
// terminated with it on timeout or cancellation.
func (r *CLIRunner) Run(ctx context.Context, prompt, workDir string) (*Result, error) {
	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{"--print", "--dangerously-skip-permissions"}

	cmd := exec.CommandContext(runCtx, r.binary, args...)
	cmd.Dir = workDir
	cmd.Env = hardenedEnv(os.Environ())
	setProcAttr(cmd)

	// Prompts can exceed argv limits, so feed them over stdin.
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if cmd.Process != nil {
		// Reap stragglers regardless of how the run ended.
		_ = killProcessGroup(cmd.Process.Pid)
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, taskerr.Newf(taskerr.CodeAgentTimeout,
				"agent %s timed out after %s", r.binary, elapsed.Round(time.Second))
		}
		if errors.Is(runCtx.Err(), context.Canceled) {
			return res, runCtx.Err()
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return res, taskerr.Newf(taskerr.CodeAgentNotFound,
				"agent binary %q not found in PATH", r.binary)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Warn("agent exited non-zero",
				"binary", r.binary,
				"exit_code", res.ExitCode,
				"duration", elapsed.Round(time.Second))
			return res, nil
		}
		return res, taskerr.Wrap(taskerr.CodeAgentError, "run agent", runErr)
	}

	r.logger.Debug("agent run complete",
		"binary", r.binary,
		"duration", elapsed.Round(time.Second),
		"stdout_bytes", stdout.Len())
	return res, nil
}

// hardenedEnv prepends well-known binary directories to PATH so the agent
// resolves even when the daemon inherits a stripped environment.
func hardenedEnv(env []string) []string {
	const prefix = "/opt/homebrew/bin:/usr/local/bin:/usr/bin"
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			found = true
			path := strings.TrimPrefix(kv, "PATH=")
			out = append(out, "PATH="+prefix+string(filepath.ListSeparator)+path)
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+prefix)
	}
	return out
}
