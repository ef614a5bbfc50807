package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codeready-toolchain/polish/pkg/procattr"
)

// Driver produces an agent event stream for one prompt. The returned
// channel is closed after a terminal event (done, error or cancelled).
type Driver interface {
	Stream(ctx context.Context, prompt string, opts ...Option) (<-chan Event, error)
}

const (
	// DefaultCLIPath is the agent binary used when neither the driver
	// nor the invocation names one.
	DefaultCLIPath = "claude"

	// DefaultGrace is the SIGTERM→SIGKILL window on cancellation.
	DefaultGrace = 5 * time.Second

	// maxLineBytes bounds a single NDJSON line; tool results can carry
	// whole files.
	maxLineBytes = 10 << 20

	// stderrTailBytes is how much trailing stderr is kept for error
	// reporting.
	stderrTailBytes = 4096
)

// CLIDriver spawns an external agent CLI in streaming-JSON mode and
// decodes its NDJSON output. The zero value is usable.
type CLIDriver struct {
	// Path is the default CLI binary; empty means DefaultCLIPath.
	// WithCLIPath overrides per invocation.
	Path string

	// Grace is the SIGTERM→SIGKILL window on cancellation; zero means
	// DefaultGrace.
	Grace time.Duration
}

// NewCLIDriver returns a CLIDriver with defaults applied.
func NewCLIDriver() *CLIDriver {
	return &CLIDriver{}
}

func (d *CLIDriver) grace() time.Duration {
	if d != nil && d.Grace > 0 {
		return d.Grace
	}
	return DefaultGrace
}

// Stream spawns the CLI and returns its decoded event stream. The
// subprocess runs in its own process group; cancelling ctx SIGTERMs the
// group, waits the grace window, then SIGKILLs. Provider credentials
// land in the child environment only.
func (d *CLIDriver) Stream(ctx context.Context, prompt string, opts ...Option) (<-chan Event, error) {
	cfg := NewConfig(opts...)

	path := cfg.CLIPath
	if path == "" {
		path = d.Path
	}
	if path == "" {
		path = DefaultCLIPath
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}

	cmd := exec.Command(path, buildArgs(cfg, prompt)...)
	cmd.Dir = cfg.Workdir
	cmd.Env = buildEnv(cfg)
	procattr.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("creating agent stdout pipe: %w", err)
	}
	stderr := &tailWriter{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &CLINotFoundError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("starting agent CLI: %w", err)
	}

	slog.Debug("Agent CLI started",
		"path", path,
		"pid", cmd.Process.Pid,
		"workdir", cfg.Workdir,
		"model", modelName(cfg))

	events := make(chan Event, cfg.EventBuffer)
	go d.pump(runCtx, cancel, cmd, stdout, stderr, events)
	return events, nil
}

// pump decodes stdout lines into events until EOF, reaps the process
// and synthesises a terminal event when the CLI never sent one.
func (d *CLIDriver) pump(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdout io.Reader, stderr *tailWriter, events chan<- Event) {
	defer close(events)
	if cancel != nil {
		defer cancel()
	}

	// Cancellation watcher: SIGTERM the group, grace, SIGKILL. The
	// resulting EOF unblocks the scanner below.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-procDone:
		case <-ctx.Done():
			_ = procattr.SignalGroup(cmd.Process, syscall.SIGTERM)
			select {
			case <-procDone:
			case <-time.After(d.grace()):
				_ = procattr.KillGroup(cmd.Process)
			}
		}
	}()

	dec := newDecoder()
	sawTerminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		for _, ev := range dec.Decode(line) {
			if isTerminal(ev) {
				sawTerminal = true
			}
			if !emit(ctx, events, ev) {
				break
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	close(procDone)

	if ctx.Err() != nil {
		// Cancelled: the reader may already be gone, so never block.
		select {
		case events <- CancelledEvent{}:
		default:
			slog.Debug("Dropped cancelled event on full stream")
		}
		return
	}

	if scanErr != nil {
		emit(ctx, events, ErrorEvent{Message: fmt.Sprintf("reading agent stream: %v", scanErr)})
		return
	}

	if sawTerminal {
		return
	}

	// EOF without a result line: derive the outcome from the exit code.
	if waitErr != nil {
		msg := fmt.Sprintf("agent CLI exited: %v", waitErr)
		if tail := stderr.String(); tail != "" {
			msg += "\n" + tail
		}
		emit(ctx, events, ErrorEvent{Message: msg, Code: "exit"})
		return
	}
	emit(ctx, events, DoneEvent{})
}

// emit delivers ev, blocking until the reader takes it or ctx ends.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// isTerminal reports whether ev ends a stream.
func isTerminal(ev Event) bool {
	switch ev.(type) {
	case DoneEvent, ErrorEvent, CancelledEvent:
		return true
	}
	return false
}

// buildArgs assembles the CLI invocation for one prompt.
func buildArgs(cfg Config, prompt string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}

	if model := modelName(cfg); model != "" {
		args = append(args, "--model", model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if cfg.MCPConfig != "" {
		args = append(args, "--mcp-config", cfg.MCPConfig)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", string(cfg.PermissionMode))
	}

	return args
}

// modelName resolves the invocation model: explicit option first, then
// the provider's.
func modelName(cfg Config) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return cfg.Provider.Model
}

// buildEnv extends the parent environment with per-invocation provider
// credentials and budgets. The parent environment itself is never
// mutated.
func buildEnv(cfg Config) []string {
	env := os.Environ()

	if prefix := envPrefix(cfg.Provider.Kind); prefix != "" {
		if cfg.Provider.APIKey != "" {
			env = append(env, prefix+"_API_KEY="+cfg.Provider.APIKey)
		}
		if cfg.Provider.BaseURL != "" {
			env = append(env, prefix+"_BASE_URL="+cfg.Provider.BaseURL)
		}
	}
	if cfg.MaxThinkingTokens > 0 {
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", cfg.MaxThinkingTokens))
	}

	return env
}

// envPrefix maps a provider kind to its conventional env var prefix.
func envPrefix(kind string) string {
	switch strings.ToLower(kind) {
	case "", "anthropic":
		return "ANTHROPIC"
	case "openai", "openai-compatible":
		return "OPENAI"
	}

	prefix := strings.ToUpper(kind)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, prefix)
}

// tailWriter keeps the trailing max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
