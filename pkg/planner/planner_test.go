package planner

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// scriptedDriver replays one scripted event slice per Stream call and
// records the prompts it was given.
type scriptedDriver struct {
	mu      sync.Mutex
	scripts [][]agent.Event
	Prompts []string
	Configs []agent.Config
}

func (d *scriptedDriver) Stream(_ context.Context, prompt string, opts ...agent.Option) (<-chan agent.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Prompts = append(d.Prompts, prompt)
	d.Configs = append(d.Configs, agent.NewConfig(opts...))

	var script []agent.Event
	if len(d.scripts) > 0 {
		script = d.scripts[0]
		d.scripts = d.scripts[1:]
	}

	ch := make(chan agent.Event, len(script)+1)
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// memorySink records emitted events.
type memorySink struct {
	mu     sync.Mutex
	types  []string
	loads  []any
	failOn string
}

func (s *memorySink) Emit(_ context.Context, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && eventType == s.failOn {
		return assert.AnError
	}
	s.types = append(s.types, eventType)
	s.loads = append(s.loads, payload)
	return nil
}

func (s *memorySink) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func simplePlan(id string) models.Plan {
	return models.Plan{
		ID:      id,
		Summary: "Fix the flaky tests first.",
		Steps: []models.PlanStep{
			{ID: "s1", Title: "Stabilise timeouts", Complexity: models.ComplexityLow},
		},
	}
}

func TestRunCollectsPlanAndSummary(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.TextEvent{Text: "Looking at the repo. "},
		agent.TextEvent{Text: "Two steps should do."},
		agent.PlanEvent{Plan: simplePlan("p1")},
		agent.DoneEvent{},
	}}}
	sink := &memorySink{}
	p := New(driver, WithSink(sink))

	plan, summary, err := p.Run(context.Background(), "improve test reliability", nil)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "p1", plan.ID)
	assert.Equal(t, "Looking at the repo. Two steps should do.", summary)

	// Dialogue text is forwarded; the plan itself is not (Dialogue
	// emits it once resolved).
	assert.Equal(t, []string{"plan_message", "plan_message"}, sink.eventTypes())

	// Planning turns run in plan permission mode with the plan prompt.
	require.Len(t, driver.Configs, 1)
	assert.Equal(t, agent.PermissionPlan, driver.Configs[0].PermissionMode)
	assert.Contains(t, driver.Configs[0].SystemPrompt, "JSON document")
	assert.Contains(t, driver.Prompts[0], "improve test reliability")
}

func TestRunLastPlanWins(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.PlanEvent{Plan: simplePlan("first")},
		agent.PlanEvent{Plan: simplePlan("second")},
		agent.DoneEvent{},
	}}}
	p := New(driver)

	plan, _, err := p.Run(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", plan.ID)
}

func TestRunAssignsMissingIDs(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.PlanEvent{Plan: models.Plan{
			Summary: "One step.",
			Steps:   []models.PlanStep{{Title: "a"}, {Title: "b"}},
		}},
		agent.DoneEvent{},
	}}}
	p := New(driver)

	plan, _, err := p.Run(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, "s1", plan.Steps[0].ID)
	assert.Equal(t, "s2", plan.Steps[1].ID)
}

func TestRunNoPlan(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.TextEvent{Text: "I could not decide."},
		agent.DoneEvent{},
	}}}
	p := New(driver)

	_, _, err := p.Run(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestRunAgentError(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.ErrorEvent{Message: "rate limited"},
	}}}
	p := New(driver)

	_, _, err := p.Run(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunIncludesHistory(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.PlanEvent{Plan: simplePlan("p2")},
		agent.DoneEvent{},
	}}}
	p := New(driver)

	history := []Turn{
		{Role: RolePlanner, Text: "First attempt."},
		{Role: RoleUser, Text: "Too coarse, split it up."},
	}
	_, _, err := p.Run(context.Background(), "m", history)
	require.NoError(t, err)

	prompt := driver.Prompts[0]
	assert.Contains(t, prompt, "Planner: First attempt.")
	assert.Contains(t, prompt, "User: Too coarse, split it up.")
}

// scriptedGate replays decisions in order.
type scriptedGate struct {
	decisions []models.PlanDecision
	calls     int
}

func (g *scriptedGate) Await(_ context.Context, _ string, _ *models.Plan) (models.PlanDecision, error) {
	d := g.decisions[g.calls]
	g.calls++
	return d, nil
}

func TestDialogueApprove(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.TextEvent{Text: "Plan ready."},
		agent.PlanEvent{Plan: simplePlan("p1")},
		agent.DoneEvent{},
	}}}
	sink := &memorySink{}
	p := New(driver, WithSink(sink))

	var sawPlan bool
	res, err := p.Dialogue(context.Background(), DialogueConfig{
		SessionID: "sess-1",
		Mission:   "m",
		Gate:      &scriptedGate{decisions: []models.PlanDecision{{Approved: true, ApproachID: "p1"}}},
		OnPlan: func(_ context.Context, plan *models.Plan) error {
			sawPlan = plan != nil
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "p1", res.ApproachID)
	assert.True(t, sawPlan)

	types := sink.eventTypes()
	assert.Contains(t, types, events.EventTypePlan)
	assert.Contains(t, types, events.EventTypePlanApproved)
}

func TestDialogueRejectWithFeedbackReplans(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{
		{agent.TextEvent{Text: "Attempt one."}, agent.PlanEvent{Plan: simplePlan("p1")}, agent.DoneEvent{}},
		{agent.PlanEvent{Plan: simplePlan("p2")}, agent.DoneEvent{}},
	}}
	sink := &memorySink{}
	p := New(driver, WithSink(sink))

	gate := &scriptedGate{decisions: []models.PlanDecision{
		{Feedback: "smaller steps please"},
		{Approved: true},
	}}
	res, err := p.Dialogue(context.Background(), DialogueConfig{SessionID: "s", Mission: "m", Gate: gate})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "p2", res.Plan.ID)
	assert.Equal(t, "p2", res.ApproachID)
	assert.Equal(t, 2, gate.calls)

	// The second turn sees the feedback as a user turn.
	require.Len(t, driver.Prompts, 2)
	assert.Contains(t, driver.Prompts[1], "smaller steps please")

	assert.Contains(t, sink.eventTypes(), events.EventTypePlanRejected)
}

func TestDialogueRejectWithoutReasonCancels(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{{
		agent.PlanEvent{Plan: simplePlan("p1")},
		agent.DoneEvent{},
	}}}
	p := New(driver)

	res, err := p.Dialogue(context.Background(), DialogueConfig{
		SessionID: "s",
		Mission:   "m",
		Gate:      &scriptedGate{decisions: []models.PlanDecision{{}}},
	})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Nil(t, res.Plan)
}

func TestDialoguePendingMessagesTriggerContinuation(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]agent.Event{
		{agent.PlanEvent{Plan: simplePlan("p1")}, agent.DoneEvent{}},
		{agent.PlanEvent{Plan: simplePlan("p2")}, agent.DoneEvent{}},
	}}
	p := New(driver)

	messages := make(chan string, 2)
	messages <- "prefer the lexer split"

	gate := &scriptedGate{decisions: []models.PlanDecision{{Approved: true}}}
	res, err := p.Dialogue(context.Background(), DialogueConfig{
		SessionID: "s",
		Mission:   "m",
		Gate:      gate,
		Messages:  messages,
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "p2", res.Plan.ID)

	// One continuation turn before the single gate consult.
	require.Len(t, driver.Prompts, 2)
	assert.Contains(t, driver.Prompts[1], "prefer the lexer split")
	assert.Equal(t, 1, gate.calls)
}

func TestBuildPromptShape(t *testing.T) {
	prompt := buildPrompt("raise coverage", nil)
	assert.True(t, strings.HasPrefix(prompt, "Mission:\nraise coverage"))
	assert.Contains(t, prompt, "Propose an implementation plan")
}
