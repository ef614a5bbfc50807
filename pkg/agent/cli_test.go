package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI creates an executable that ignores its arguments and
// runs the given shell body.
func writeFakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream did not close; got %d events so far", len(out))
		}
	}
}

func TestStreamDecodesTaggedLines(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"text","text":"starting"}'
echo '{"type":"tool_start","id":"t1","name":"Edit","display":"Edit(a.go)"}'
echo '{"type":"tool_done","id":"t1","success":true,"output":"ok"}'
echo '{"type":"done","result":"finished"}'`)

	d := NewCLIDriver()
	events, err := d.Stream(context.Background(), "fix the tests", WithCLIPath(cli))
	require.NoError(t, err)

	got := collect(t, events, 10*time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, TextEvent{Text: "starting"}, got[0])
	assert.Equal(t, "tool_start", got[1].Type())
	assert.Equal(t, "tool_done", got[2].Type())
	assert.Equal(t, DoneEvent{Result: "finished"}, got[3])
}

func TestStreamSynthesisesDoneOnCleanEOF(t *testing.T) {
	cli := writeFakeCLI(t, `echo '{"type":"text","text":"hello"}'`)

	d := NewCLIDriver()
	events, err := d.Stream(context.Background(), "p", WithCLIPath(cli))
	require.NoError(t, err)

	got := collect(t, events, 10*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "done", got[1].Type())
}

func TestStreamSynthesisesErrorOnDirtyExit(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"text","text":"partial"}'
echo 'credentials rejected' >&2
exit 3`)

	d := NewCLIDriver()
	events, err := d.Stream(context.Background(), "p", WithCLIPath(cli))
	require.NoError(t, err)

	got := collect(t, events, 10*time.Second)
	require.Len(t, got, 2)

	fail, ok := got[1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "exit", fail.Code)
	assert.Contains(t, fail.Message, "credentials rejected")
}

func TestStreamCancellation(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"text","text":"working"}'
sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	d := &CLIDriver{Grace: 200 * time.Millisecond}
	events, err := d.Stream(ctx, "p", WithCLIPath(cli))
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, "text", first.Type())
	cancel()

	got := collect(t, events, 10*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, "cancelled", got[len(got)-1].Type())
}

func TestStreamTimeoutCancels(t *testing.T) {
	cli := writeFakeCLI(t, `sleep 30`)

	d := &CLIDriver{Grace: 200 * time.Millisecond}
	events, err := d.Stream(context.Background(), "p",
		WithCLIPath(cli), WithTimeout(300*time.Millisecond))
	require.NoError(t, err)

	got := collect(t, events, 10*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, "cancelled", got[len(got)-1].Type())
}

func TestStreamCLINotFound(t *testing.T) {
	d := NewCLIDriver()

	_, err := d.Stream(context.Background(), "p", WithCLIPath("polish-no-such-binary"))
	var notFound *CLINotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "polish-no-such-binary", notFound.Path)

	_, err = d.Stream(context.Background(), "p",
		WithCLIPath(filepath.Join(t.TempDir(), "missing")))
	require.ErrorAs(t, err, &notFound)
}

func TestBuildArgs(t *testing.T) {
	cfg := NewConfig(
		WithModel("sonnet"),
		WithSystemPrompt("focus on lint"),
		WithAllowedTools("Bash", "Edit"),
		WithMCPConfig("/tmp/mcp.json"),
		WithPermissionMode(PermissionBypass),
	)

	args := buildArgs(cfg, "fix everything")

	assert.Equal(t, []string{"-p", "fix everything", "--output-format", "stream-json", "--verbose"}, args[:5])
	assert.Contains(t, strings.Join(args, " "), "--model sonnet")
	assert.Contains(t, strings.Join(args, " "), "--append-system-prompt focus on lint")
	assert.Contains(t, strings.Join(args, " "), "--allowedTools Bash,Edit")
	assert.Contains(t, strings.Join(args, " "), "--mcp-config /tmp/mcp.json")
	assert.Contains(t, strings.Join(args, " "), "--permission-mode bypassPermissions")
}

func TestBuildArgsProviderModelFallback(t *testing.T) {
	cfg := NewConfig(WithProvider(Provider{Model: "gpt-oss"}))
	args := buildArgs(cfg, "p")
	assert.Contains(t, strings.Join(args, " "), "--model gpt-oss")

	cfg = NewConfig(WithProvider(Provider{Model: "gpt-oss"}), WithModel("opus"))
	args = buildArgs(cfg, "p")
	assert.Contains(t, strings.Join(args, " "), "--model opus")
	assert.NotContains(t, strings.Join(args, " "), "gpt-oss")
}

func TestBuildEnvProviders(t *testing.T) {
	env := buildEnv(NewConfig(WithProvider(Provider{
		Kind:    "anthropic",
		APIKey:  "sk-test",
		BaseURL: "https://proxy.internal",
	})))
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, env, "ANTHROPIC_BASE_URL=https://proxy.internal")

	env = buildEnv(NewConfig(WithProvider(Provider{Kind: "openai-compatible", APIKey: "k"})))
	assert.Contains(t, env, "OPENAI_API_KEY=k")

	env = buildEnv(NewConfig(WithProvider(Provider{Kind: "z.ai", APIKey: "k"})))
	assert.Contains(t, env, "Z_AI_API_KEY=k")

	env = buildEnv(NewConfig(WithMaxThinkingTokens(8000)))
	assert.Contains(t, env, "MAX_THINKING_TOKENS=8000")
}

func TestTailWriterKeepsSuffix(t *testing.T) {
	w := &tailWriter{max: 10}
	_, err := w.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "6789abcdef", w.String())
}
