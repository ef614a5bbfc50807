package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one durable row of a session's event log.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventService reads and prunes the durable event log. Rows are written by
// events.EventPublisher inside the publish transaction, so this service
// only ever reads or deletes.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// EventsSince retrieves up to limit events on a channel with id > sinceID,
// oldest first. A non-positive limit disables the cap.
func (s *EventService) EventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]Event, error) {
	query := `
		SELECT id, session_id, channel, type, payload, created_at
		FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{channel, sinceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var payload []byte
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.Channel, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d payload: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

// LatestEventID returns the highest event id on a channel, or 0 when the
// channel has no durable events yet.
func (s *EventService) LatestEventID(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events WHERE channel = $1`, channel).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return id, nil
}

// LatestEventOfType returns the newest durable event of one type on a
// channel, or nil when none exists. The approval gate uses this to anchor
// its subscription at the plan it is waiting on.
func (s *EventService) LatestEventOfType(ctx context.Context, channel, eventType string) (*Event, error) {
	var evt Event
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, channel, type, payload, created_at
		FROM events
		WHERE channel = $1 AND type = $2
		ORDER BY id DESC
		LIMIT 1`, channel, eventType).Scan(&evt.ID, &evt.SessionID, &evt.Channel, &evt.Type, &payload, &evt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s event: %w", eventType, err)
	}
	if err := json.Unmarshal(payload, &evt.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode event %d payload: %w", evt.ID, err)
	}
	return &evt, nil
}

// CleanupSessionEvents removes all events for a session
func (s *EventService) CleanupSessionEvents(ctx context.Context, sessionID string) (int, error) {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `DELETE FROM events WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup session events: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up events: %w", err)
	}

	return int(count), nil
}

// CleanupOrphanedEvents removes events older than the TTL whose session has
// been soft-deleted. Hard session deletes cascade over their events, so
// live sessions keep their full log regardless of age.
func (s *EventService) CleanupOrphanedEvents(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		DELETE FROM events
		WHERE created_at < $1
		  AND session_id IN (SELECT id FROM sessions WHERE deleted_at IS NOT NULL)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup orphaned events: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up events: %w", err)
	}

	return int(count), nil
}
