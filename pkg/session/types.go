// Package session provides the in-memory event log and subscriber hub
// used in CLI mode. One process, one hub; server mode persists events to
// Postgres instead and never uses this package.
package session

import "time"

// Event is one recorded entry in a session's event log.
type Event struct {
	ID        int64     `json:"id"` // monotonic within one session, starts at 1
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity beyond
// the replayed backlog. A subscriber that falls this far behind the live
// stream is dropped rather than allowed to stall the producer.
const DefaultSubscriberBuffer = 256
