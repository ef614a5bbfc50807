package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/polish/pkg/models"
)

func decodeOne(t *testing.T, d *decoder, line string) Event {
	t.Helper()
	events := d.Decode([]byte(line))
	require.Len(t, events, 1)
	return events[0]
}

func TestDecodeAssistantBlocks(t *testing.T) {
	d := newDecoder()

	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Looking at the failures."},` +
		`{"type":"thinking","thinking":"The null check is missing."},` +
		`{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"npm test"}}]}}`

	events := d.Decode([]byte(line))
	require.Len(t, events, 3)

	assert.Equal(t, TextEvent{Text: "Looking at the failures."}, events[0])
	assert.Equal(t, ThinkingEvent{Text: "The null check is missing."}, events[1])

	start, ok := events[2].(ToolStartEvent)
	require.True(t, ok)
	assert.Equal(t, "tu_1", start.ID)
	assert.Equal(t, "Bash", start.Name)
	assert.Equal(t, "Bash(npm test)", start.Display)
}

func TestDecodeToolResultPairsWithStart(t *testing.T) {
	d := newDecoder()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	d.Decode([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{}}]}}`))

	d.now = func() time.Time { return base.Add(750 * time.Millisecond) }
	ev := decodeOne(t, d, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"12 passed"}]}}`)

	done, ok := ev.(ToolDoneEvent)
	require.True(t, ok)
	assert.True(t, done.Success)
	assert.Equal(t, "12 passed", done.Output)
	assert.Equal(t, int64(750), done.DurationMS)
}

func TestDecodeToolResultError(t *testing.T) {
	d := newDecoder()
	ev := decodeOne(t, d, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","is_error":true,"content":"command not found"}]}}`)

	done, ok := ev.(ToolDoneEvent)
	require.True(t, ok)
	assert.False(t, done.Success)
	assert.Equal(t, "command not found", done.Error)
	assert.Empty(t, done.Output)
}

func TestDecodeToolResultBlockList(t *testing.T) {
	d := newDecoder()
	ev := decodeOne(t, d, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`)

	done := ev.(ToolDoneEvent)
	assert.Equal(t, "line one\nline two", done.Output)
}

func TestDecodeSubAgentLifecycle(t *testing.T) {
	d := newDecoder()

	ev := decodeOne(t, d, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_3","name":"Task","input":{"description":"fix lint","prompt":"Run eslint and fix findings"}}]}}`)
	started, ok := ev.(SubAgentEvent)
	require.True(t, ok)
	assert.Equal(t, SubAgentStarted, started.Kind)
	assert.Equal(t, "sub_agent_started", started.Type())
	assert.Equal(t, "fix lint", started.Name)

	ev = decodeOne(t, d, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_3","content":"done, 0 errors left"}]}}`)
	finished, ok := ev.(SubAgentEvent)
	require.True(t, ok)
	assert.Equal(t, SubAgentDone, finished.Kind)
	assert.Equal(t, "sub_agent_done", finished.Type())
	assert.Equal(t, "fix lint", finished.Name)
	assert.Equal(t, "done, 0 errors left", finished.Detail)
}

func TestDecodePlanFromExitPlanMode(t *testing.T) {
	d := newDecoder()

	planJSON := `{\"summary\":\"Two-step fix\",\"steps\":[{\"id\":\"s1\",\"title\":\"Add null check\",\"complexity\":\"low\"}]}`
	ev := decodeOne(t, d, fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_4","name":"ExitPlanMode","input":{"plan":"%s"}}]}}`, planJSON))

	plan, ok := ev.(PlanEvent)
	require.True(t, ok)
	assert.Equal(t, "Two-step fix", plan.Plan.Summary)
	require.Len(t, plan.Plan.Steps, 1)
	assert.Equal(t, "Add null check", plan.Plan.Steps[0].Title)
}

func TestDecodeResult(t *testing.T) {
	d := newDecoder()

	ev := decodeOne(t, d, `{"type":"result","subtype":"success","result":"All fixed.","duration_ms":5120}`)
	done, ok := ev.(DoneEvent)
	require.True(t, ok)
	assert.Equal(t, "All fixed.", done.Result)
	assert.Equal(t, int64(5120), done.DurationMS)

	ev = decodeOne(t, d, `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"ran out of turns"}`)
	fail, ok := ev.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "ran out of turns", fail.Message)
	assert.Equal(t, "error_max_turns", fail.Code)
}

func TestDecodeTaggedFamily(t *testing.T) {
	d := newDecoder()

	tests := []struct {
		line string
		want Event
	}{
		{`{"type":"text","text":"hi"}`, TextEvent{Text: "hi"}},
		{`{"type":"thinking","text":"hmm"}`, ThinkingEvent{Text: "hmm"}},
		{`{"type":"tool_start","id":"t1","name":"Edit","display":"Edit(main.go)"}`, ToolStartEvent{ID: "t1", Name: "Edit", Display: "Edit(main.go)"}},
		{`{"type":"plan_message","text":"How about..."}`, PlanMessageEvent{Text: "How about..."}},
		{`{"type":"sub_agent_started","id":"s1","name":"tests"}`, SubAgentEvent{Kind: SubAgentStarted, ID: "s1", Name: "tests"}},
		{`{"type":"done","result":"ok","duration_ms":12}`, DoneEvent{Result: "ok", DurationMS: 12}},
		{`{"type":"error","message":"rate limited","code":"429","retryable":true}`, ErrorEvent{Message: "rate limited", Code: "429", Retryable: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decodeOne(t, d, tt.line), tt.line)
	}
}

func TestDecodeTaggedToolDoneDefaultsSuccess(t *testing.T) {
	d := newDecoder()

	ev := decodeOne(t, d, `{"type":"tool_done","id":"t2","output":"ok"}`)
	done := ev.(ToolDoneEvent)
	assert.True(t, done.Success)

	ev = decodeOne(t, d, `{"type":"tool_done","id":"t3","success":false,"error":"boom"}`)
	done = ev.(ToolDoneEvent)
	assert.False(t, done.Success)
	assert.Equal(t, "boom", done.Error)
}

func TestDecodeTaggedPlan(t *testing.T) {
	d := newDecoder()

	ev := decodeOne(t, d, `{"type":"plan","plan":{"id":"p1","summary":"Refactor parser","steps":[{"id":"s1","title":"Split lexer","complexity":"medium"}]}}`)
	plan := ev.(PlanEvent)
	assert.Equal(t, "p1", plan.Plan.ID)
	require.Len(t, plan.Plan.Steps, 1)
	assert.Equal(t, models.ComplexityMedium, plan.Plan.Steps[0].Complexity)
}

func TestDecodeSkipsGarbageAndUnknown(t *testing.T) {
	d := newDecoder()

	assert.Empty(t, d.Decode([]byte(`not json at all`)))
	assert.Empty(t, d.Decode([]byte(`{"type":"telemetry","x":1}`)))
	assert.Empty(t, d.Decode([]byte(`{"type":"system","subtype":"init","session_id":"abc"}`)))
}

func TestParsePlan(t *testing.T) {
	t.Run("json document", func(t *testing.T) {
		plan := parsePlan(`{"summary":"One step","steps":[{"id":"s1","title":"Do it","complexity":"high"}]}`)
		assert.Equal(t, "One step", plan.Summary)
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, models.ComplexityHigh, plan.Steps[0].Complexity)
	})

	t.Run("fenced json inside markdown", func(t *testing.T) {
		text := "## Approach\n\nSplit into two steps.\n\n```json\n{\"steps\":[{\"id\":\"s1\",\"title\":\"a\"},{\"id\":\"s2\",\"title\":\"b\"}]}\n```"
		plan := parsePlan(text)
		require.Len(t, plan.Steps, 2)
		assert.Contains(t, plan.Summary, "Split into two steps.")
		assert.NotContains(t, plan.Summary, "```json")
	})

	t.Run("plain markdown becomes summary", func(t *testing.T) {
		plan := parsePlan("1. Fix the tests\n2. Run lint")
		assert.Equal(t, "1. Fix the tests\n2. Run lint", plan.Summary)
		assert.Empty(t, plan.Steps)
	})
}

func TestToolDisplay(t *testing.T) {
	assert.Equal(t, "Bash(go vet ./...)", toolDisplay("Bash", []byte(`{"command":"go vet ./..."}`)))
	assert.Equal(t, "Read(/src/main.go)", toolDisplay("Read", []byte(`{"file_path":"/src/main.go"}`)))
	assert.Equal(t, "WebSearch", toolDisplay("WebSearch", []byte(`{"count":3}`)))
	assert.Equal(t, "Glob", toolDisplay("Glob", []byte(`broken`)))
}

func TestEventWireNames(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{TextEvent{}, "text"},
		{ThinkingEvent{}, "thinking"},
		{ToolStartEvent{}, "tool_start"},
		{ToolDoneEvent{}, "tool_done"},
		{PlanEvent{}, "plan"},
		{PlanMessageEvent{}, "plan_message"},
		{SubAgentEvent{Kind: SubAgentStarted}, "sub_agent_started"},
		{SubAgentEvent{Kind: SubAgentDone}, "sub_agent_done"},
		{DoneEvent{}, "done"},
		{ErrorEvent{}, "error"},
		{CancelledEvent{}, "cancelled"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.Type())
	}
}
