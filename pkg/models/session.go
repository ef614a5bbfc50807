// Package models defines the shared domain types for the polish engine.
package models

import "time"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRunning          Status = "running"
	StatusReviewing        Status = "reviewing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// AllStatuses lists every valid session status.
var AllStatuses = []Status{
	StatusPending,
	StatusPlanning,
	StatusAwaitingApproval,
	StatusRunning,
	StatusReviewing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether the status is a final state.
// A terminal session never mutates again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsLive reports whether the session is still in flight (abortable).
func (s Status) IsLive() bool {
	return !s.IsTerminal()
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// legalTransitions encodes the supervisor state machine. Abort (any live →
// cancelled) and retry (completed/failed → pending) are handled separately
// because they are caller-initiated rather than engine-driven.
var legalTransitions = map[Status][]Status{
	StatusPending:          {StatusPlanning, StatusRunning},
	StatusPlanning:         {StatusPlanning, StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusRunning, StatusPlanning, StatusCancelled},
	StatusRunning:          {StatusReviewing, StatusCompleted, StatusFailed},
	StatusReviewing:        {StatusRunning},
}

// CanTransition reports whether the engine may move a session from → to.
// Cancellation and failure are reachable from every live state: abort and
// fatal errors (orphan recovery included) are not tied to one phase.
func CanTransition(from, to Status) bool {
	if (to == StatusCancelled || to == StatusFailed) && from.IsLive() {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one end-to-end automated improvement run.
// ID and CreatedAt are immutable; all other fields are mutated only by the
// session supervisor.
type Session struct {
	ID             string  `json:"session_id"`
	ProjectPath    string  `json:"project_path"`
	RepoURL        string  `json:"repo_url,omitempty"`
	Mission        string  `json:"mission,omitempty"`
	BranchName     string  `json:"branch_name,omitempty"`
	Status         Status  `json:"status"`
	EnablePlanning bool    `json:"enable_planning"`
	InitialScore   float64 `json:"initial_score"`
	FinalScore     float64 `json:"final_score"`
	Commits        int     `json:"commits"`
	RetryCount     int     `json:"retry_count"`
	ApprovedPlan   *Plan   `json:"approved_plan,omitempty"`

	// CapabilityIDs selects the preset capability sets used for the
	// planning and implementation phases.
	CapabilityIDs []string `json:"capability_ids,omitempty"`

	// PresetPath overrides preset discovery inside the project checkout.
	PresetPath string `json:"preset_path,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// WorkerID identifies the replica processing the session.
	WorkerID        string `json:"worker_id,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"` // for orphan detection
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`          // retention soft delete
}

// CreateSessionRequest contains fields for creating a new polish session.
// Exactly one of ProjectPath or RepoURL must be set.
type CreateSessionRequest struct {
	ProjectPath    string   `json:"project_path,omitempty"`
	RepoURL        string   `json:"repo_url,omitempty"`
	Mission        string   `json:"mission,omitempty"`
	EnablePlanning bool     `json:"enable_planning,omitempty"`
	CapabilityIDs  []string `json:"capability_ids,omitempty"`

	// PresetPath overrides the default preset lookup relative to the
	// project root.
	PresetPath string `json:"preset_path,omitempty"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	Status         string `json:"status,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
