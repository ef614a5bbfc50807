package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/services"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned sessions.
// All replicas run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds claimed live sessions with stale
// heartbeats and fails them. A stale heartbeat means the owning worker
// is gone; the session's worktree state can no longer be trusted, so the
// session is not requeued.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	orphans, err := p.sessions.FindOrphanedSessions(ctx, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to query orphaned sessions: %w", err)
	}

	recovered := 0
	if len(orphans) > 0 {
		slog.Warn("Detected orphaned sessions", "count", len(orphans))
		for _, session := range orphans {
			if err := failOrphan(ctx, p.sessions, p.publisher, session, "no heartbeat"); err != nil {
				slog.Error("Failed to recover orphaned session",
					"session_id", session.ID,
					"error", err)
				continue
			}
			recovered++
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// failOrphan marks one orphaned session as failed and publishes the
// terminal status. Concurrent recovery by another replica surfaces as an
// invalid-transition error, which is fine — someone got there first.
func failOrphan(ctx context.Context, sessions *services.SessionService, publisher *events.EventPublisher, session *models.Session, cause string) error {
	log := slog.With("session_id", session.ID, "old_worker_id", session.WorkerID)

	lastHeartbeat := "unknown"
	if session.LastInteractionAt != nil {
		lastHeartbeat = session.LastInteractionAt.Format(time.RFC3339)
	}

	errMsg := fmt.Sprintf("Orphaned (%s): worker %s last seen %s", cause, session.WorkerID, lastHeartbeat)
	if err := sessions.FinishSession(ctx, session.ID, models.StatusFailed, session.FinalScore, session.Commits, errMsg); err != nil {
		return fmt.Errorf("failed to mark session as failed: %w", err)
	}

	if publisher != nil {
		if err := publisher.PublishStatus(ctx, session.ID, events.StatusPayload{
			Type:      events.EventTypeStatus,
			SessionID: session.ID,
			Status:    models.StatusFailed,
			Timestamp: events.Now(),
		}); err != nil {
			slog.Warn("Failed to publish orphan status", "session_id", session.ID, "error", err)
		}
	}

	log.Warn("Orphaned session marked as failed", "last_heartbeat", lastHeartbeat)
	return nil
}

// CleanupStartupOrphans performs a one-time cleanup of sessions claimed
// by this replica's previous incarnation that were still live when it
// crashed. Called once during startup, before the worker pool begins
// processing.
func CleanupStartupOrphans(ctx context.Context, sessions *services.SessionService, publisher *events.EventPublisher, workerPrefix string) error {
	orphans, err := sessions.FindWorkerSessions(ctx, workerPrefix)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"worker_prefix", workerPrefix,
		"count", len(orphans))

	for _, session := range orphans {
		if err := failOrphan(ctx, sessions, publisher, session, "replica restarted"); err != nil {
			slog.Error("Failed to mark startup orphan",
				"session_id", session.ID,
				"error", err)
			continue
		}
		slog.Info("Startup orphan recovered", "session_id", session.ID)
	}

	return nil
}
