package transcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
)

// Runner executes one encoder process at a time and lets another goroutine
// stop it.
type Runner struct {
	mu      sync.Mutex
	cmd     *ffmpeg.Command
	stopped bool
}

// NewRunner creates an idle runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes cmd and blocks until it exits, forwarding every output line to
// onLine. It returns ErrCancelled when Stop ended the process or ctx was
// cancelled, an *ExitError for a non-zero exit, and ErrRunnerBusy when
// another command is still running.
func (r *Runner) Run(ctx context.Context, cmd *ffmpeg.Command, onLine func(string)) error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return ErrRunnerBusy
	}
	r.cmd = cmd
	r.stopped = false
	r.mu.Unlock()

	err := cmd.Run(ctx, onLine)

	r.mu.Lock()
	stopped := r.stopped
	r.cmd = nil
	r.stopped = false
	r.mu.Unlock()

	if err == nil {
		return nil
	}
	if stopped || ctx.Err() != nil {
		return ErrCancelled
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: cmd.StderrLines()}
	}
	return fmt.Errorf("running encoder: %w", err)
}

// Stop kills the running process. It is safe to call at any time, including
// when nothing is running.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cmd := r.cmd
	if cmd != nil {
		r.stopped = true
	}
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}
	return cmd.Kill()
}

// IsRunning reports whether an encoder process is alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil && r.cmd.IsRunning()
}

// Stats returns resource usage of the running process, or nil.
func (r *Runner) Stats() *ffmpeg.ProcessStats {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.ProcessStats()
}
