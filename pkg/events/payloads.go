package events

import (
	"github.com/codeready-toolchain/polish/pkg/models"
)

// StatusPayload is the payload for status events, published on every
// session lifecycle transition (also on the global sessions channel).
type StatusPayload struct {
	Type      string        `json:"type"` // always EventTypeStatus
	SessionID string        `json:"session_id"`
	Status    models.Status `json:"status"`
	Timestamp string        `json:"timestamp"` // RFC3339Nano
}

// PhasePayload marks a coarse phase change inside a running session.
type PhasePayload struct {
	Type      string `json:"type"` // always EventTypePhase
	Phase     string `json:"phase"`
	Timestamp string `json:"timestamp"`
}

// InitPayload carries the first scoring pass of a session.
type InitPayload struct {
	Type         string       `json:"type"` // always EventTypeInit
	InitialScore models.Score `json:"initial_score"`
	Target       float64      `json:"target"`
	Timestamp    string       `json:"timestamp"`
}

// IterationPayload marks the start of one polish iteration.
type IterationPayload struct {
	Type          string `json:"type"` // always EventTypeIteration
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Timestamp     string `json:"timestamp"`
}

// ImprovingPayload names the metric the iteration goes after.
type ImprovingPayload struct {
	Type      string  `json:"type"` // always EventTypeImproving
	Metric    string  `json:"metric"`
	Score     int     `json:"score"`
	Target    float64 `json:"target"`
	Gap       float64 `json:"gap"`
	Timestamp string  `json:"timestamp"`
}

// ScorePayload carries a full re-scoring outcome.
type ScorePayload struct {
	Type      string       `json:"type"` // always EventTypeScore
	Score     models.Score `json:"score"`
	Previous  float64      `json:"previous"`
	Delta     float64      `json:"delta"`
	Timestamp string       `json:"timestamp"`
}

// CommitPayload reports an accepted iteration.
type CommitPayload struct {
	Type      string  `json:"type"` // always EventTypeCommit
	Hash      string  `json:"hash"`
	Metric    string  `json:"metric"`
	Previous  float64 `json:"previous"`
	New       float64 `json:"new"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// RollbackPayload reports a rejected iteration.
type RollbackPayload struct {
	Type      string `json:"type"` // always EventTypeRollback
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// WorktreePayload reports worktree lifecycle, for both
// worktree_created and worktree_cleanup.
type WorktreePayload struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	BaseBranch string `json:"base_branch,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Kept       bool   `json:"kept,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ResultPayload terminates a loop run.
type ResultPayload struct {
	Type         string  `json:"type"` // always EventTypeResult
	Success      bool    `json:"success"`
	Reason       string  `json:"reason"`
	InitialScore float64 `json:"initial_score"`
	FinalScore   float64 `json:"final_score"`
	Iterations   int     `json:"iterations"`
	Commits      int     `json:"commits"`
	Branch       string  `json:"branch,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// Result reasons (used in ResultPayload.Reason).
const (
	ReasonTargetReached = "target_reached"
	ReasonPlateau       = "plateau"
	ReasonMaxIterations = "max_iterations"
	ReasonMaxDuration   = "max_duration"
	ReasonRollbackFault = "rollback_failed"
	ReasonAgentFault    = "agent_failed"
	ReasonVCSFault      = "vcs_failed"
)

// ErrorPayload reports a session-level error. Fatal errors are always
// followed by a failed result or status.
type ErrorPayload struct {
	Type      string `json:"type"` // always EventTypeError
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal,omitempty"`
	Timestamp string `json:"timestamp"`
}

// AbortedPayload acknowledges an abort request taking effect.
type AbortedPayload struct {
	Type      string `json:"type"` // always EventTypeAborted
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// PlanPayload carries a proposed plan awaiting approval.
type PlanPayload struct {
	Type      string      `json:"type"` // always EventTypePlan
	Plan      models.Plan `json:"plan"`
	Summary   string      `json:"summary,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// PlanMessagePayload is one turn of the planning dialogue.
type PlanMessagePayload struct {
	Type      string `json:"type"` // always EventTypePlanMessage
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Plan message authors.
const (
	PlanAuthorUser    = "user"
	PlanAuthorPlanner = "planner"
)

// PlanDecisionPayload records an approval-gate verdict, for both
// plan_approved and plan_rejected.
type PlanDecisionPayload struct {
	Type       string `json:"type"`
	Approved   bool   `json:"approved"`
	ApproachID string `json:"approach_id,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ReviewPayload covers review_start, review_complete and
// review_redirect.
type ReviewPayload struct {
	Type      string `json:"type"`
	Approved  bool   `json:"approved,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Timestamp string `json:"timestamp"`
}

// AgentTextPayload carries forwarded agent text or thinking.
type AgentTextPayload struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// ToolStartPayload mirrors the driver's tool_start event.
type ToolStartPayload struct {
	Type      string `json:"type"` // always EventTypeToolStart
	ID        string `json:"id"`
	Name      string `json:"name"`
	Display   string `json:"display,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ToolDonePayload mirrors the driver's tool_done event.
type ToolDonePayload struct {
	Type       string `json:"type"` // always EventTypeToolDone
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// SubAgentPayload mirrors the driver's sub_agent_* events.
type SubAgentPayload struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CatchupPayload brackets a backlog replay on subscription.
type CatchupPayload struct {
	Type      string `json:"type"` // always EventTypeCatchup
	Count     int    `json:"count"`
	FromID    int64  `json:"from_id,omitempty"`
	ToID      int64  `json:"to_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CatchupOverflowPayload signals that the replay window was smaller
// than the requested gap; older events exist only in the durable log.
type CatchupOverflowPayload struct {
	Type      string `json:"type"` // always EventTypeCatchupOverflow
	Limit     int    `json:"limit"`
	Timestamp string `json:"timestamp"`
}
