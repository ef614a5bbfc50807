package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/polish/pkg/events"
)

// StreamEvents handles GET /api/v1/sessions/:id/events: the SSE stream
// for one session. Last-Event-ID (header or query param) resumes after a
// dropped connection; the backlog replay is bracketed by synthetic
// catchup markers that never hit the durable log.
func (s *Server) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.sessions.GetSession(ctx, id); err != nil {
		mapServiceError(c, err)
		return
	}

	lastEventID := parseLastEventID(c)
	sub, err := s.subscriber.Subscribe(ctx, events.SessionChannel(id), lastEventID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(msg events.Message) bool {
		evt := sse.Event{Event: msg.Type, Data: string(msg.Data)}
		if msg.ID != 0 {
			evt.Id = strconv.FormatInt(msg.ID, 10)
		}
		if err := sse.Encode(c.Writer, evt); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if sub.Overflow {
		if !write(syntheticEvent(events.EventTypeCatchupOverflow, events.CatchupOverflowPayload{
			Type:      events.EventTypeCatchupOverflow,
			Limit:     len(sub.Backlog),
			Timestamp: events.Now(),
		})) {
			return
		}
	}
	if len(sub.Backlog) > 0 {
		if !write(syntheticEvent(events.EventTypeCatchup, events.CatchupPayload{
			Type:      events.EventTypeCatchup,
			Count:     len(sub.Backlog),
			FromID:    sub.Backlog[0].ID,
			ToID:      sub.LastReplayedID,
			Timestamp: events.Now(),
		})) {
			return
		}
		for _, msg := range sub.Backlog {
			if !write(msg) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			// Durable events at or below the replay watermark were
			// already sent from the backlog.
			if msg.ID != 0 && msg.ID <= sub.LastReplayedID {
				continue
			}
			if !write(msg) {
				return
			}
		}
	}
}

// parseLastEventID reads the resume point from the Last-Event-ID header,
// falling back to the last_event_id query param for clients that cannot
// set headers. Unparseable values mean a full replay.
func parseLastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func syntheticEvent(eventType string, payload any) events.Message {
	data, _ := json.Marshal(payload)
	return events.Message{Type: eventType, Data: data}
}
