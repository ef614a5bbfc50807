package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/planner"
	"github.com/codeready-toolchain/polish/pkg/services"
)

// gatePollInterval is how often the approval gate re-reads the session
// row while waiting for a verdict.
const gatePollInterval = time.Second

// dbGate is the server-mode approval gate. The REST layer records the
// user's verdict (ApprovePlan stores approved_plan; RejectPlan publishes
// a plan_rejected event, or sets cancel_requested when there is no
// feedback) and the gate observes it by polling.
type dbGate struct {
	sessions *services.SessionService
	events   *services.EventService
	interval time.Duration
}

func newDBGate(sessions *services.SessionService, eventSvc *services.EventService) *dbGate {
	return &dbGate{sessions: sessions, events: eventSvc, interval: gatePollInterval}
}

// Await blocks until the user approves, rejects, or aborts. Rejections
// with feedback arrive as durable plan_rejected events newer than the
// plan under decision.
func (g *dbGate) Await(ctx context.Context, sessionID string, plan *models.Plan) (models.PlanDecision, error) {
	channel := events.SessionChannel(sessionID)
	sinceID, err := g.events.LatestEventID(ctx, channel)
	if err != nil {
		return models.PlanDecision{}, err
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.PlanDecision{}, ctx.Err()
		case <-ticker.C:
		}

		sess, err := g.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return models.PlanDecision{}, err
		}

		// Abort (or reject-without-feedback) cancels the session.
		if sess.CancelRequested || sess.Status.IsTerminal() {
			return models.PlanDecision{Approved: false}, nil
		}

		if sess.ApprovedPlan != nil {
			return models.PlanDecision{Approved: true, ApproachID: sess.ApprovedPlan.ID}, nil
		}

		rejected, err := g.events.LatestEventOfType(ctx, channel, events.EventTypePlanRejected)
		if err != nil {
			return models.PlanDecision{}, err
		}
		if rejected != nil && rejected.ID > sinceID {
			feedback, _ := rejected.Payload["feedback"].(string)
			return models.PlanDecision{Approved: false, Feedback: feedback}, nil
		}
	}
}

// replanGate decorates an ApprovalGate with the awaiting_approval →
// planning transition after a reject-with-feedback, so the session's
// status reflects the planner turn the rejection triggers.
type replanGate struct {
	inner    planner.ApprovalGate
	sessions *services.SessionService
}

func (g *replanGate) Await(ctx context.Context, sessionID string, plan *models.Plan) (models.PlanDecision, error) {
	decision, err := g.inner.Await(ctx, sessionID, plan)
	if err != nil {
		return decision, err
	}
	if !decision.Approved && decision.Feedback != "" {
		if err := g.sessions.UpdateSessionStatus(ctx, sessionID, models.StatusPlanning); err != nil {
			return models.PlanDecision{}, err
		}
	}
	return decision, nil
}

// startMessagePoller watches the session's durable event log for user
// plan messages and feeds their text into the returned channel. The REST
// layer publishes the plan_message events; the poller only relays them
// into the running dialogue. The goroutine exits when ctx is cancelled.
func startMessagePoller(ctx context.Context, eventSvc *services.EventService, sessionID string, fromID int64) <-chan string {
	out := make(chan string, 16)
	channel := events.SessionChannel(sessionID)

	go func() {
		defer close(out)
		ticker := time.NewTicker(gatePollInterval)
		defer ticker.Stop()

		lastID := fromID
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			evts, err := eventSvc.EventsSince(ctx, channel, lastID, 0)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Plan message poll failed", "session_id", sessionID, "error", err)
				}
				continue
			}
			for _, evt := range evts {
				lastID = evt.ID
				if evt.Type != events.EventTypePlanMessage {
					continue
				}
				if author, _ := evt.Payload["author"].(string); author != events.PlanAuthorUser {
					continue
				}
				text, _ := evt.Payload["text"].(string)
				if text == "" {
					continue
				}
				select {
				case out <- text:
				default:
					slog.Warn("Plan message buffer full, dropping message", "session_id", sessionID)
				}
			}
		}
	}()

	return out
}

// dialogueSink filters the decision events out of the planner's stream:
// in server mode the REST handlers publish plan_approved and
// plan_rejected durably at verdict time, so forwarding the planner's own
// copies would duplicate them in the log.
type dialogueSink struct {
	inner planner.Sink
}

func (s *dialogueSink) Emit(ctx context.Context, eventType string, payload any) error {
	switch eventType {
	case events.EventTypePlanApproved, events.EventTypePlanRejected:
		return nil
	}
	return s.inner.Emit(ctx, eventType, payload)
}
