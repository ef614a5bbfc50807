package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// CreateSession handles POST /api/v1/sessions.
func (s *Server) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	s.publishStatus(c, sess.ID, sess.Status)
	c.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /api/v1/sessions.
func (s *Server) ListSessions(c *gin.Context) {
	filters := models.SessionFilters{
		Status: c.Query("status"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		filters.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid offset"})
			return
		}
		filters.Offset = n
	}

	list, err := s.sessions.ListSessions(c.Request.Context(), filters)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetSession handles GET /api/v1/sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// AbortSession handles POST /api/v1/sessions/:id/abort. The operation is
// idempotent: aborting a terminal session returns its current state.
func (s *Server) AbortSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessions.AbortSession(c.Request.Context(), id)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	// Best-effort local cancellation; remote replicas observe the
	// cancel_requested flag through their own polling.
	var cancelledLocal bool
	if s.pool != nil {
		cancelledLocal = s.pool.CancelSession(id)
	}

	// Sessions that went terminal directly (pending, awaiting approval)
	// get their status event here; running sessions emit it from the
	// worker that owns them.
	if sess.Status == models.StatusCancelled {
		s.publishStatus(c, sess.ID, sess.Status)
	}

	c.JSON(http.StatusOK, AbortResponse{
		SessionID:       sess.ID,
		Status:          string(sess.Status),
		CancelledLocal:  cancelledLocal,
		CancelRequested: sess.CancelRequested,
	})
}

// RetrySession handles POST /api/v1/sessions/:id/retry.
func (s *Server) RetrySession(c *gin.Context) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	sess, err := s.sessions.RetrySession(c.Request.Context(), c.Param("id"), body.Feedback)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	s.publishStatus(c, sess.ID, sess.Status)
	c.JSON(http.StatusOK, sess)
}

// publishStatus emits a status event on the session channel. Publish
// failures are logged by the publisher; the request already succeeded.
func (s *Server) publishStatus(c *gin.Context, sessionID string, status models.Status) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.PublishStatus(c.Request.Context(), sessionID, events.StatusPayload{
		Type:      events.EventTypeStatus,
		SessionID: sessionID,
		Status:    status,
		Timestamp: events.Now(),
	})
}
