// Package shell runs preset metric commands and other helper processes.
//
// A Run never fails with an error for a non-zero exit: the exit code is a
// normal outcome carried in the Result. The only error-shaped outcome is a
// spawn failure, reported as ExitCode -1 with a synthetic stderr line.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/codeready-toolchain/polish/pkg/procattr"
)

const (
	// MaxCaptureBytes caps each captured stream. Output beyond the cap is
	// discarded (the pipe keeps draining) and the result is marked truncated.
	MaxCaptureBytes = 10 << 20 // 10 MiB

	// TruncationMarker is appended to a capped stream.
	TruncationMarker = "\n[output truncated]"

	// DefaultGrace is how long a timed-out process gets between SIGTERM and
	// SIGKILL.
	DefaultGrace = 5 * time.Second

	// ExitSpawnFailure is the synthetic exit code reported when the command
	// could not be started at all.
	ExitSpawnFailure = -1
)

// Result is the outcome of one command execution.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Runner executes shell commands with captured output and group-wide
// termination. The zero value is usable.
type Runner struct {
	// Shell is the interpreter binary; empty means /bin/sh.
	Shell string

	// Grace is the SIGTERM→SIGKILL window on timeout; zero means
	// DefaultGrace.
	Grace time.Duration
}

// NewRunner returns a Runner with defaults applied.
func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) shell() string {
	if r != nil && r.Shell != "" {
		return r.Shell
	}
	return "/bin/sh"
}

func (r *Runner) grace() time.Duration {
	if r != nil && r.Grace > 0 {
		return r.Grace
	}
	return DefaultGrace
}

// Run executes command under the host shell in cwd. A timeout of zero means
// no timeout beyond ctx. Callers are responsible for quoting.
func (r *Runner) Run(ctx context.Context, command, cwd string, timeout time.Duration) Result {
	cmd := exec.Command(r.shell(), "-c", command)
	cmd.Dir = cwd
	procattr.Set(cmd)

	stdout := newCapWriter(MaxCaptureBytes)
	stderr := newCapWriter(MaxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{
			ExitCode: ExitSpawnFailure,
			Stderr:   fmt.Sprintf("polish: failed to start command: %v", err),
			Duration: time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	timedOut := false
	select {
	case <-done:
	case <-timer:
		timedOut = true
		r.terminate(cmd, done)
	case <-ctx.Done():
		r.terminate(cmd, done)
	}

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		TimedOut:  timedOut,
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}

	if timedOut {
		slog.Warn("Command timed out",
			"cwd", cwd,
			"timeout", timeout,
			"duration", res.Duration)
	}
	return res
}

// terminate signals the whole process group: SIGTERM, a grace window, then
// SIGKILL. Returns once Wait has delivered.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) {
	_ = procattr.SignalGroup(cmd.Process, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(r.grace()):
		_ = procattr.KillGroup(cmd.Process)
		<-done
	}
}

// capWriter stores up to max bytes and silently drains the rest so the
// child process never blocks on a full pipe.
type capWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) <= remaining {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:remaining])
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	if w.truncated {
		return w.buf.String() + TruncationMarker
	}
	return w.buf.String()
}
