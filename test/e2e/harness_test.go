// Package e2e exercises the full engine against real git repositories:
// scripted agent turns mutate the tree, real shell commands score it,
// and the loop's commit-or-restore bracket is observed from outside.
package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// project is a committed git repository whose single coverage metric
// reads its score from score.txt.
type project struct {
	Dir    string
	Preset models.Preset
}

func newProject(t *testing.T, initialScore int) *project {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, dir, "score.txt", scoreLine(initialScore))
	writeFile(t, dir, "main.js", "module.exports = {};\n")
	git(t, dir, "init", "-q", "-b", "main")
	git(t, dir, "config", "user.name", "e2e")
	git(t, dir, "config", "user.email", "e2e@local")
	git(t, dir, "add", "-A")
	git(t, dir, "commit", "-q", "-m", "initial")

	return &project{
		Dir: dir,
		Preset: models.Preset{
			Metrics: []models.Metric{
				{Name: "coverage", Command: "cat score.txt", Weight: 1, Target: 100},
			},
			Target:        95,
			MaxIterations: 5,
			Exclude:       []string{".polish/**"},
		},
	}
}

func scoreLine(score int) string {
	return fmt.Sprintf("coverage: %d%%\n", score)
}

// SetScore rewrites the score file, simulating an agent edit.
func (p *project) SetScore(t *testing.T, score int) {
	t.Helper()
	writeFile(t, p.Dir, "score.txt", scoreLine(score))
}

func (p *project) ReadFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// turn is one scripted agent invocation: an optional tree mutation plus
// the events the stream delivers.
type turn struct {
	// Action runs before the stream is returned; it mutates the tree the
	// way a real agent turn would.
	Action func()

	// Events defaults to a text + done pair.
	Events []agent.Event

	// Block parks the stream until the context is cancelled, then
	// delivers a CancelledEvent.
	Block bool
}

// scriptedDriver replays turns in order. Exhausted scripts run a no-op
// turn, so non-improving iterations need no explicit entries.
type scriptedDriver struct {
	mu    sync.Mutex
	turns []turn
	calls int
}

func (d *scriptedDriver) Stream(ctx context.Context, prompt string, opts ...agent.Option) (<-chan agent.Event, error) {
	d.mu.Lock()
	var tn turn
	if d.calls < len(d.turns) {
		tn = d.turns[d.calls]
	}
	d.calls++
	d.mu.Unlock()

	if tn.Block {
		ch := make(chan agent.Event, 1)
		go func() {
			<-ctx.Done()
			ch <- agent.CancelledEvent{}
			close(ch)
		}()
		return ch, nil
	}

	if tn.Action != nil {
		tn.Action()
	}

	script := tn.Events
	if script == nil {
		script = []agent.Event{agent.TextEvent{Text: "done."}, agent.DoneEvent{}}
	}
	ch := make(chan agent.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (d *scriptedDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// memorySink records the event stream for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	Type    string
	Payload any
}

func (s *memorySink) Emit(_ context.Context, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Type: eventType, Payload: payload})
	return nil
}

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *memorySink) count(eventType string) int {
	n := 0
	for _, typ := range s.types() {
		if typ == eventType {
			n++
		}
	}
	return n
}
