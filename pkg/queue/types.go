// Package queue provides the server-mode session queue: a pool of
// workers claiming pending polish sessions from PostgreSQL and the
// executor that drives one claimed session end to end.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoSessionsAvailable indicates no pending sessions are in the queue.
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrAtCapacity indicates the global concurrent session limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// SessionExecutor is the interface for session processing.
//
// The executor owns the entire session lifecycle internally: the
// optional planning dialogue, the worktree, the polish loop, and every
// intermediate status transition and event publish. The worker only
// handles claiming, heartbeat, cancellation wiring, and the terminal
// status write.
type SessionExecutor interface {
	Execute(ctx context.Context, session *models.Session) *ExecutionResult
}

// ExecutionResult is lightweight — just the terminal state. All
// intermediate state (events, scores, the branch) was already written
// during processing.
type ExecutionResult struct {
	Status     models.Status // completed, failed, cancelled
	FinalScore float64
	Commits    int
	Err        error // root cause when Status is failed or cancelled
}

// SessionRegistry is the subset of WorkerPool used by Worker for
// cancel-function registration.
type SessionRegistry interface {
	RegisterSession(sessionID string, cancel context.CancelFunc)
	UnregisterSession(sessionID string)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	WorkerPrefix     string         `json:"worker_prefix"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveSessions   int            `json:"active_sessions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentSessionID  string    `json:"current_session_id,omitempty"`
	SessionsProcessed int       `json:"sessions_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
