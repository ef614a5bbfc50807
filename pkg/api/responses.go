package api

import (
	"github.com/codeready-toolchain/polish/pkg/database"
	"github.com/codeready-toolchain/polish/pkg/queue"
	"github.com/codeready-toolchain/polish/pkg/services"
)

// HealthResponse aggregates service, database, and worker pool health.
type HealthResponse struct {
	Status   string                    `json:"status"` // "healthy", "degraded" or "unhealthy"
	Version  string                    `json:"version"`
	Database *database.HealthStatus    `json:"database,omitempty"`
	Pool     *queue.PoolHealth         `json:"pool,omitempty"`
	Warnings []*services.SystemWarning `json:"warnings,omitempty"`
}

// AbortResponse acknowledges an abort request.
type AbortResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	CancelledLocal  bool   `json:"cancelled_local"`
	CancelRequested bool   `json:"cancel_requested"`
}

// MessageResponse acknowledges an accepted planning message.
type MessageResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

// DecisionResponse acknowledges a plan approval or rejection.
type DecisionResponse struct {
	SessionID  string `json:"session_id"`
	Approved   bool   `json:"approved"`
	ApproachID string `json:"approach_id,omitempty"`
}

// DiffResponse carries one file's unified diff against the session base.
type DiffResponse struct {
	Path       string `json:"path"`
	BaseBranch string `json:"base_branch"`
	Diff       string `json:"diff"`
}
