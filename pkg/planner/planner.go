// Package planner runs the pre-loop planning dialogue: a specialised
// agent invocation that must produce a structured plan, gated by user
// approval before the session may enter the polish loop.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// ErrNoPlan is returned when a planning turn finishes without any plan
// event. The caller decides whether to retry or fail the session.
var ErrNoPlan = errors.New("planning turn produced no plan")

// Sink receives planning events. CLI mode wires the in-memory hub,
// server mode the durable publisher.
type Sink interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Turn is one exchange of the planning dialogue.
type Turn struct {
	Role string // RoleUser or RolePlanner
	Text string
}

// Dialogue roles.
const (
	RoleUser    = "user"
	RolePlanner = "planner"
)

// planSystemPrompt steers the agent into plan-only mode and pins the
// structured output contract that the driver's plan parser understands.
const planSystemPrompt = `You are planning an automated code-improvement session. Do not modify any files.
Study the repository, then produce an implementation plan for the given mission.
Output the plan as a JSON document of the form
{"summary": "<one-paragraph markdown summary>", "steps": [{"id": "s1", "title": "...", "description": "...", "files": ["..."], "complexity": "low|medium|high"}]}
followed by nothing else. Keep steps independently verifiable and ordered.`

// Planner drives planning turns through an agent driver.
type Planner struct {
	driver    agent.Driver
	sink      Sink
	agentOpts []agent.Option
}

// Option configures a Planner.
type Option func(*Planner)

// WithSink forwards planning events (dialogue text, tool activity,
// plans, verdicts) to sink.
func WithSink(sink Sink) Option {
	return func(p *Planner) { p.sink = sink }
}

// WithAgentOptions appends driver options applied to every planning
// turn, e.g. the planning capability set.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(p *Planner) { p.agentOpts = append(p.agentOpts, opts...) }
}

// New creates a Planner on the given driver.
func New(driver agent.Driver, opts ...Option) *Planner {
	p := &Planner{driver: driver}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs one planning turn: mission plus prior dialogue in, plan
// out. Agent text accumulates into the returned markdown summary; when
// the agent emits several plans the last one wins.
func (p *Planner) Run(ctx context.Context, mission string, history []Turn) (*models.Plan, string, error) {
	opts := make([]agent.Option, 0, len(p.agentOpts)+2)
	opts = append(opts,
		agent.WithPermissionMode(agent.PermissionPlan),
		agent.WithSystemPrompt(planSystemPrompt),
	)
	opts = append(opts, p.agentOpts...)

	stream, err := p.driver.Stream(ctx, buildPrompt(mission, history), opts...)
	if err != nil {
		return nil, "", fmt.Errorf("starting planning turn: %w", err)
	}

	var (
		plan    *models.Plan
		summary strings.Builder
		runErr  error
	)
	for ev := range stream {
		switch e := ev.(type) {
		case agent.TextEvent:
			summary.WriteString(e.Text)
			p.forward(ctx, events.EventTypePlanMessage, events.PlanMessagePayload{
				Type:      events.EventTypePlanMessage,
				Author:    events.PlanAuthorPlanner,
				Text:      e.Text,
				Timestamp: events.Now(),
			})
		case agent.PlanMessageEvent:
			summary.WriteString(e.Text)
			p.forward(ctx, events.EventTypePlanMessage, events.PlanMessagePayload{
				Type:      events.EventTypePlanMessage,
				Author:    events.PlanAuthorPlanner,
				Text:      e.Text,
				Timestamp: events.Now(),
			})
		case agent.ThinkingEvent:
			p.forward(ctx, events.EventTypeThinking, events.AgentTextPayload{
				Type:      events.EventTypeThinking,
				Text:      e.Text,
				Timestamp: events.Now(),
			})
		case agent.ToolStartEvent:
			p.forward(ctx, events.EventTypeToolStart, events.ToolStartPayload{
				Type:      events.EventTypeToolStart,
				ID:        e.ID,
				Name:      e.Name,
				Display:   e.Display,
				Timestamp: events.Now(),
			})
		case agent.ToolDoneEvent:
			p.forward(ctx, events.EventTypeToolDone, events.ToolDonePayload{
				Type:       events.EventTypeToolDone,
				ID:         e.ID,
				Success:    e.Success,
				Output:     e.Output,
				Error:      e.Error,
				DurationMS: e.DurationMS,
				Timestamp:  events.Now(),
			})
		case agent.SubAgentEvent:
			p.forward(ctx, e.Type(), events.SubAgentPayload{
				Type:      e.Type(),
				ID:        e.ID,
				Name:      e.Name,
				Detail:    e.Detail,
				Timestamp: events.Now(),
			})
		case agent.PlanEvent:
			candidate := e.Plan
			ensurePlanIDs(&candidate)
			plan = &candidate
		case agent.ErrorEvent:
			runErr = fmt.Errorf("planning agent: %s", e.Message)
		case agent.CancelledEvent:
			if runErr == nil {
				runErr = ctx.Err()
				if runErr == nil {
					runErr = context.Canceled
				}
			}
		}
	}

	if runErr != nil {
		return nil, "", runErr
	}
	if plan == nil {
		return nil, "", ErrNoPlan
	}

	text := strings.TrimSpace(summary.String())
	if plan.Summary == "" {
		plan.Summary = text
	}
	return plan, text, nil
}

// forward emits to the sink when one is configured. Emission failures
// are logged, never fatal: planning must not die on a slow sink.
func (p *Planner) forward(ctx context.Context, eventType string, payload any) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Emit(ctx, eventType, payload); err != nil {
		slog.Warn("Failed to emit planning event",
			"event_type", eventType,
			"error", err)
	}
}

// buildPrompt renders the mission and dialogue into one planning
// request.
func buildPrompt(mission string, history []Turn) string {
	var b strings.Builder
	b.WriteString("Mission:\n")
	b.WriteString(mission)
	b.WriteString("\n")

	if len(history) > 0 {
		b.WriteString("\nPlanning discussion so far:\n")
		for _, turn := range history {
			switch turn.Role {
			case RoleUser:
				b.WriteString("User: ")
			default:
				b.WriteString("Planner: ")
			}
			b.WriteString(turn.Text)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nPropose an implementation plan for this mission.")
	return b.String()
}

// ensurePlanIDs fills in identifiers the agent left out so approval can
// reference the plan and its steps.
func ensurePlanIDs(plan *models.Plan) {
	if plan.ID == "" {
		plan.ID = ulid.Make().String()
	}
	for i := range plan.Steps {
		if plan.Steps[i].ID == "" {
			plan.Steps[i].ID = fmt.Sprintf("s%d", i+1)
		}
	}
}
