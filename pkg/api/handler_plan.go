package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/polish/pkg/events"
)

// ApprovePlan handles POST /api/v1/sessions/:id/approve. The decision is
// persisted on the session row first; the durable plan_approved event is
// what unblocks the approval gate on whichever replica runs the session.
func (s *Server) ApprovePlan(c *gin.Context) {
	var body struct {
		ApproachID string `json:"approach_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	id := c.Param("id")
	plan, err := s.sessions.ApprovePlan(c.Request.Context(), id, body.ApproachID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	if s.publisher != nil {
		_ = s.publisher.Publish(c.Request.Context(), id, events.EventTypePlanApproved, events.PlanDecisionPayload{
			Type:       events.EventTypePlanApproved,
			Approved:   true,
			ApproachID: plan.ID,
			Timestamp:  events.Now(),
		})
	}

	c.JSON(http.StatusOK, DecisionResponse{SessionID: id, Approved: true, ApproachID: plan.ID})
}

// RejectPlan handles POST /api/v1/sessions/:id/reject. With feedback the
// session replans; without feedback the service requests cancellation,
// which the approval gate observes through the session row.
func (s *Server) RejectPlan(c *gin.Context) {
	var body struct {
		Reason   string `json:"reason"`
		Feedback string `json:"feedback"` // accepted as an alias for reason
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = body.Feedback
	}

	id := c.Param("id")
	if err := s.sessions.RejectPlan(c.Request.Context(), id, body.Reason); err != nil {
		mapServiceError(c, err)
		return
	}

	if s.publisher != nil && body.Reason != "" {
		_ = s.publisher.Publish(c.Request.Context(), id, events.EventTypePlanRejected, events.PlanDecisionPayload{
			Type:      events.EventTypePlanRejected,
			Approved:  false,
			Feedback:  body.Reason,
			Timestamp: events.Now(),
		})
	}

	c.JSON(http.StatusOK, DecisionResponse{SessionID: id, Approved: false})
}

// PostPlanMessage handles POST /api/v1/sessions/:id/message. The message
// lands in the durable log; the planner's message poller relays it into
// the dialogue. 202 because delivery into the dialogue is asynchronous.
func (s *Server) PostPlanMessage(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.Text == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "text is required"})
		return
	}

	id := c.Param("id")
	if err := s.sessions.EnsurePlanDialogueOpen(c.Request.Context(), id); err != nil {
		mapServiceError(c, err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(c.Request.Context(), id, events.EventTypePlanMessage, events.PlanMessagePayload{
			Type:      events.EventTypePlanMessage,
			Author:    events.PlanAuthorUser,
			Text:      body.Text,
			Timestamp: events.Now(),
		}); err != nil {
			mapServiceError(c, err)
			return
		}
	}

	c.JSON(http.StatusAccepted, MessageResponse{SessionID: id, Accepted: true})
}
