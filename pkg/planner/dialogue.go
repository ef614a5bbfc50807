package planner

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// ApprovalGate blocks until the user decides on a proposed plan.
// Implementations: interactive stdin gate (CLI mode) and the
// Postgres-notify gate in pkg/queue (server mode).
type ApprovalGate interface {
	Await(ctx context.Context, sessionID string, plan *models.Plan) (models.PlanDecision, error)
}

// DialogueConfig parameterises one planning dialogue.
type DialogueConfig struct {
	SessionID string
	Mission   string
	Gate      ApprovalGate

	// Messages carries user messages that arrived while a planning
	// turn was streaming; each drained message becomes a user turn and
	// triggers a continuation turn before the gate is consulted. The
	// sender is responsible for having emitted the corresponding
	// plan_message events. Nil means no message path.
	Messages <-chan string

	// OnPlan is called when a turn's plan is ready, before the gate.
	// Server mode uses it to transition planning → awaiting_approval.
	OnPlan func(ctx context.Context, plan *models.Plan) error
}

// DialogueResult is the outcome of a planning dialogue.
type DialogueResult struct {
	// Plan and Summary are set when Approved.
	Plan    *models.Plan
	Summary string

	// Approved false means the user rejected without feedback: the
	// session is to be cancelled.
	Approved   bool
	ApproachID string
}

// Dialogue runs the full planning exchange: turn → (continuation on
// pending messages) → approval gate, looping on reject-with-feedback
// until approval or cancellation.
func (p *Planner) Dialogue(ctx context.Context, cfg DialogueConfig) (DialogueResult, error) {
	var history []Turn

	for {
		plan, summary, err := p.Run(ctx, cfg.Mission, history)
		if err != nil {
			return DialogueResult{}, err
		}

		// Messages that arrived mid-turn trigger a continuation turn
		// instead of the gate.
		if pending := drain(cfg.Messages); len(pending) > 0 {
			history = append(history, Turn{Role: RolePlanner, Text: summary})
			for _, msg := range pending {
				history = append(history, Turn{Role: RoleUser, Text: msg})
			}
			continue
		}

		p.forward(ctx, events.EventTypePlan, events.PlanPayload{
			Type:      events.EventTypePlan,
			Plan:      *plan,
			Summary:   summary,
			Timestamp: events.Now(),
		})
		if cfg.OnPlan != nil {
			if err := cfg.OnPlan(ctx, plan); err != nil {
				return DialogueResult{}, fmt.Errorf("plan transition: %w", err)
			}
		}

		decision, err := cfg.Gate.Await(ctx, cfg.SessionID, plan)
		if err != nil {
			return DialogueResult{}, fmt.Errorf("awaiting plan approval: %w", err)
		}

		if decision.Approved {
			approachID := decision.ApproachID
			if approachID == "" {
				approachID = plan.ID
			}
			p.forward(ctx, events.EventTypePlanApproved, events.PlanDecisionPayload{
				Type:       events.EventTypePlanApproved,
				Approved:   true,
				ApproachID: approachID,
				Timestamp:  events.Now(),
			})
			return DialogueResult{
				Plan:       plan,
				Summary:    summary,
				Approved:   true,
				ApproachID: approachID,
			}, nil
		}

		p.forward(ctx, events.EventTypePlanRejected, events.PlanDecisionPayload{
			Type:      events.EventTypePlanRejected,
			Feedback:  decision.Feedback,
			Timestamp: events.Now(),
		})

		// Reject without reason cancels the session.
		if decision.Feedback == "" {
			return DialogueResult{}, nil
		}

		history = append(history,
			Turn{Role: RolePlanner, Text: summary},
			Turn{Role: RoleUser, Text: decision.Feedback},
		)
	}
}

// drain empties ch without blocking.
func drain(ch <-chan string) []string {
	if ch == nil {
		return nil
	}
	var out []string
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}
