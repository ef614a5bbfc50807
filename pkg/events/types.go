// Package events provides real-time event delivery via server-sent
// events and PostgreSQL NOTIFY/LISTEN for cross-process distribution.
//
// Every session event is appended to the durable event log and notified
// in one transaction (see EventPublisher). Live subscribers receive
// events in insertion order; a late subscriber gets a bounded backlog
// replay first, then the session's status snapshot, then live events.
// The only event types that never reach the log are the synthetic
// catchup markers emitted during replay.
package events

import "time"

// Session lifecycle and loop progress events (stored in DB + NOTIFY).
const (
	EventTypeStatus          = "status"
	EventTypePhase           = "phase"
	EventTypeInit            = "init"
	EventTypeIteration       = "iteration"
	EventTypeImproving       = "improving"
	EventTypeScore           = "score"
	EventTypeCommit          = "commit"
	EventTypeRollback        = "rollback"
	EventTypeWorktreeCreated = "worktree_created"
	EventTypeWorktreeCleanup = "worktree_cleanup"
	EventTypeResult          = "result"
	EventTypeError           = "error"
	EventTypeAborted         = "aborted"
)

// Planning dialogue events.
const (
	EventTypePlan         = "plan"
	EventTypePlanMessage  = "plan_message"
	EventTypePlanApproved = "plan_approved"
	EventTypePlanRejected = "plan_rejected"
)

// Review pass events.
const (
	EventTypeReviewStart    = "review_start"
	EventTypeReviewComplete = "review_complete"
	EventTypeReviewRedirect = "review_redirect"
)

// Agent stream events, forwarded verbatim from the driver. Sub-agent
// events use the driver's dynamic "sub_agent_<kind>" names.
const (
	EventTypeText      = "text"
	EventTypeThinking  = "thinking"
	EventTypeToolStart = "tool_start"
	EventTypeToolDone  = "tool_done"
)

// Synthetic subscription markers (never persisted).
const (
	EventTypeCatchup         = "catchup"
	EventTypeCatchupOverflow = "catchup.overflow"
)

// Loop phases (used in PhasePayload.Phase).
const (
	PhasePlanning       = "planning"
	PhaseImplementation = "implementation"
	PhasePolish         = "polish"
	PhaseReview         = "review"
)

// GlobalSessionsChannel carries session-level status events. The
// session list view subscribes to this for live updates.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the channel name for one session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// Now renders the canonical event timestamp.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
