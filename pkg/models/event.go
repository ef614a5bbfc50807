package models

import (
	"encoding/json"
	"time"
)

// Event is one append-only record on a session's event log. IDs are
// monotonically increasing per channel; ordering across sessions carries no
// meaning.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventsResponse contains the events on one channel since a given ID.
type EventsResponse struct {
	Events []*Event `json:"events"`
}
