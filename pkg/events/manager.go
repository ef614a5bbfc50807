package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// catchupLimit is the maximum number of events replayed to one attaching
// subscriber. If more events were missed, the subscription reports
// overflow and the client reloads state over REST instead of paginating.
const catchupLimit = 200

// subscriberBuffer is the per-subscriber live channel capacity. A
// subscriber that falls this far behind is dropped rather than allowed
// to stall the NOTIFY receive loop.
const subscriberBuffer = 256

// listenTimeout bounds how long a LISTEN command may block when
// subscribing to a new PG channel. Without this, a stalled connection
// would block the subscribing request handler indefinitely.
const listenTimeout = 10 * time.Second

// CatchupEvent holds the data returned by the catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier queries durable events for catchup. Implemented by
// EventService via EventServiceAdapter.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// Message is one wire event ready for SSE framing: the durable event id
// (zero for transient events), the event type, and the JSON payload.
type Message struct {
	ID   int64
	Type string
	Data []byte
}

// Subscription is one attached subscriber. The writer sends Backlog
// first, then drains C; live messages with a non-zero id at or below
// LastReplayedID duplicate the backlog and must be skipped.
type Subscription struct {
	// Backlog holds the replayed events in id order.
	Backlog []Message

	// LastReplayedID is the id of the newest backlog event, or the
	// requested resume point when the backlog is empty.
	LastReplayedID int64

	// Overflow reports that the missed-event gap exceeded the replay
	// limit; older events exist only in the durable log.
	Overflow bool

	// C carries live events. It closes when the subscription is closed
	// or the subscriber is dropped for falling behind.
	C <-chan Message

	closeOnce sync.Once
	cancel    func()
}

// Close detaches the subscriber. Safe to call more than once, and on a
// zero-value Subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ConnectionManager fans NOTIFY payloads out to local SSE subscribers.
// Each Go process (pod) has one ConnectionManager instance; LISTEN is
// held per channel while at least one subscriber is attached.
type ConnectionManager struct {
	// Channel subscriptions: channel → set of subscribers
	channels  map[string]map[*subscriber]bool
	channelMu sync.RWMutex

	// CatchupQuerier for backlog replay on attach
	catchupQuerier CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	buffer int
}

type subscriber struct {
	ch chan Message
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier) *ConnectionManager {
	return &ConnectionManager{
		channels:       make(map[string]map[*subscriber]bool),
		catchupQuerier: catchupQuerier,
		buffer:         subscriberBuffer,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both ConnectionManager and
// NotifyListener are created.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// Subscribe attaches a subscriber to a channel, resuming after
// lastEventID (zero replays the whole log). LISTEN is established before
// the subscriber registers and the catchup query runs after, so every
// durable event is either in the backlog or on C; overlaps are resolved
// by the LastReplayedID skip rule.
func (m *ConnectionManager) Subscribe(ctx context.Context, channel string, lastEventID int64) (*Subscription, error) {
	if err := m.ensureListen(channel); err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan Message, m.buffer)}
	m.channelMu.Lock()
	set, ok := m.channels[channel]
	if !ok {
		set = make(map[*subscriber]bool)
		m.channels[channel] = set
	}
	set[sub] = true
	m.channelMu.Unlock()

	backlog, overflow, err := m.catchup(ctx, channel, lastEventID)
	if err != nil {
		m.removeSubscriber(channel, sub)
		return nil, err
	}

	lastReplayed := lastEventID
	if n := len(backlog); n > 0 {
		lastReplayed = backlog[n-1].ID
	}

	return &Subscription{
		Backlog:        backlog,
		LastReplayedID: lastReplayed,
		Overflow:       overflow,
		C:              sub.ch,
		cancel:         func() { m.removeSubscriber(channel, sub) },
	}, nil
}

// Broadcast delivers a NOTIFY payload to every subscriber of a channel.
// Called by the NotifyListener receive loop; must never block.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	msg, err := decodeMessage(payload)
	if err != nil {
		slog.Warn("Discarding undecodable NOTIFY payload",
			"channel", channel, "error", err)
		return
	}

	m.channelMu.Lock()
	defer m.channelMu.Unlock()

	set, ok := m.channels[channel]
	if !ok {
		return
	}

	for sub := range set {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full; drop it rather than stall.
			slog.Warn("Dropping slow SSE subscriber", "channel", channel)
			delete(set, sub)
			close(sub.ch)
		}
	}
}

// ActiveSubscribers returns the count of attached subscribers across all
// channels.
func (m *ConnectionManager) ActiveSubscribers() int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()

	total := 0
	for _, set := range m.channels {
		total += len(set)
	}
	return total
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// ensureListen establishes LISTEN for a channel before any subscriber
// registers on it. Safe to call concurrently: the listener serializes
// and deduplicates LISTEN commands.
func (m *ConnectionManager) ensureListen(channel string) error {
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return nil
	}

	listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
	defer cancel()
	if err := l.Subscribe(listenCtx, channel); err != nil {
		slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
		return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
	}
	return nil
}

// removeSubscriber detaches one subscriber and stops LISTEN if it was
// the channel's last.
func (m *ConnectionManager) removeSubscriber(channel string, sub *subscriber) {
	m.channelMu.Lock()
	set, ok := m.channels[channel]
	if !ok || !set[sub] {
		m.channelMu.Unlock()
		return
	}
	delete(set, sub)
	close(sub.ch)

	lastSubscriber := len(set) == 0
	if lastSubscriber {
		delete(m.channels, channel)
	}
	m.channelMu.Unlock()

	if !lastSubscriber {
		return
	}

	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}

	// The goroutine re-checks m.channels before issuing UNLISTEN to
	// prevent a race where a rapid detach/attach cycle would drop the
	// LISTEN out from under the new subscriber:
	//   subscribe → LISTEN active
	//   close → goroutine: UNLISTEN (deferred)
	//   resubscribe → channel re-added to m.channels
	//   goroutine → sees resubscribed → skips UNLISTEN
	go func() {
		m.channelMu.RLock()
		_, resubscribed := m.channels[channel]
		m.channelMu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unsubscribe(context.Background(), channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}()
}

// catchup queries missed events since lastEventID and prepares them for
// SSE framing. The stored payload doesn't contain db_event_id (it's only
// added to the NOTIFY payload at publish time), so it is injected here
// from the DB row id.
func (m *ConnectionManager) catchup(ctx context.Context, channel string, lastEventID int64) ([]Message, bool, error) {
	if m.catchupQuerier == nil {
		return nil, false, nil
	}

	// One extra row detects overflow.
	events, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		return nil, false, fmt.Errorf("catchup query for %s: %w", channel, err)
	}

	overflow := len(events) > catchupLimit
	if overflow {
		events = events[:catchupLimit]
	}

	backlog := make([]Message, 0, len(events))
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			slog.Warn("Skipping unmarshalable catchup event",
				"channel", channel, "event_id", evt.ID, "error", err)
			continue
		}
		eventType, _ := evt.Payload["type"].(string)
		backlog = append(backlog, Message{ID: evt.ID, Type: eventType, Data: data})
	}

	return backlog, overflow, nil
}

// decodeMessage extracts the SSE envelope fields from a NOTIFY payload.
func decodeMessage(payload []byte) (Message, error) {
	var envelope struct {
		Type      string `json:"type"`
		DBEventID int64  `json:"db_event_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Message{}, err
	}
	if envelope.Type == "" {
		return Message{}, fmt.Errorf("payload has no type field")
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	return Message{ID: envelope.DBEventID, Type: envelope.Type, Data: data}, nil
}
