package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub manages per-session event logs in memory and fans events out to
// subscribers. The full log is kept so a late subscriber replays from
// the beginning; in CLI mode the hub is the durable store.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	buffer   int
}

// Option configures a Hub.
type Option func(*Hub)

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*sessionLog),
		buffer:   DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type sessionLog struct {
	mu      sync.Mutex
	nextID  int64
	events  []Event
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

func (h *Hub) log(sessionID string) *sessionLog {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.sessions[sessionID]
	if !ok {
		l = &sessionLog{nextID: 1, subs: make(map[int]chan Event)}
		h.sessions[sessionID] = l
	}
	return l
}

// Emit appends an event to the session's log and delivers it to every
// live subscriber. Events after Close are dropped: a terminal session
// appends nothing further.
func (h *Hub) Emit(_ context.Context, sessionID, eventType string, payload any) error {
	l := h.log(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		slog.Debug("Event dropped after session close",
			"session_id", sessionID, "type", eventType)
		return nil
	}

	event := Event{
		ID:        l.nextID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	l.nextID++
	l.events = append(l.events, event)

	for id, ch := range l.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop it rather than stall.
			slog.Warn("Dropping slow event subscriber",
				"session_id", sessionID, "subscriber", id)
			delete(l.subs, id)
			close(ch)
		}
	}

	return nil
}

// Subscribe returns a channel carrying the session's full backlog
// followed by live events, plus a cancel function. The channel closes on
// cancel, on session Close, or when the subscriber falls too far behind.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	l := h.log(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Event, len(l.events)+h.buffer)
	for _, event := range l.events {
		ch <- event
	}

	if l.closed {
		close(ch)
		return ch, func() {}
	}

	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if live, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(live)
		}
	}

	return ch, cancel
}

// Events returns a snapshot of the session's log in insertion order.
func (h *Hub) Events(sessionID string) []Event {
	l := h.log(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Event, len(l.events))
	copy(snapshot, l.events)
	return snapshot
}

// Close marks the session terminal and closes all subscriber channels.
// Closing twice is a no-op.
func (h *Hub) Close(sessionID string) {
	l := h.log(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

// Sink binds the hub to one session, satisfying the event sink interfaces
// consumed by the loop and the planner.
type Sink struct {
	hub       *Hub
	sessionID string
}

// Sink returns an emitter bound to the given session.
func (h *Hub) Sink(sessionID string) *Sink {
	return &Sink{hub: h, sessionID: sessionID}
}

// Emit records one event on the bound session.
func (s *Sink) Emit(ctx context.Context, eventType string, payload any) error {
	return s.hub.Emit(ctx, s.sessionID, eventType, payload)
}
