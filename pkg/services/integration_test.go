package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/polish/pkg/models"
	testdb "github.com/codeready-toolchain/polish/test/database"
)

// TestServiceIntegration drives sessions through the supervisor lifecycle
// the way the worker pool and the REST API do, with all services sharing
// one database.
func TestServiceIntegration(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	sessionService := NewSessionService(client.DB())
	eventService := NewEventService(client.DB())

	t.Run("full planned session lifecycle", func(t *testing.T) {
		// 1. User creates a planned session
		sess, err := sessionService.CreateSession(ctx, models.CreateSessionRequest{
			ProjectPath:    t.TempDir(),
			Mission:        "untangle the storage layer",
			EnablePlanning: true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, sess.Status)

		// 2. A worker claims it and starts planning
		claimed, err := sessionService.ClaimNextPendingSession(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, sess.ID, claimed.ID)
		require.NoError(t, sessionService.UpdateSessionStatus(ctx, sess.ID, models.StatusPlanning))

		// 3. The planner proposes two approaches and the session gates
		seedPlanEvent(t, client.DB(), sess.ID, models.Plan{ID: "a1", Summary: "incremental"})
		seedPlanEvent(t, client.DB(), sess.ID, models.Plan{ID: "a2", Summary: "big bang"})
		require.NoError(t, sessionService.UpdateSessionStatus(ctx, sess.ID, models.StatusAwaitingApproval))

		// 4. The user approves one approach; the executor resumes
		plan, err := sessionService.ApprovePlan(ctx, sess.ID, "a1")
		require.NoError(t, err)
		assert.Equal(t, "incremental", plan.Summary)
		require.NoError(t, sessionService.UpdateSessionStatus(ctx, sess.ID, models.StatusRunning))

		// 5. The run records its progress and outcome
		require.NoError(t, sessionService.SetInitialScore(ctx, sess.ID, 58.0))
		require.NoError(t, sessionService.SetBranchName(ctx, sess.ID, "polish/20260824-093000"))
		require.NoError(t, sessionService.FinishSession(ctx, sess.ID, models.StatusCompleted, 83.5, 5, ""))

		final, err := sessionService.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, final.Status)
		assert.Equal(t, 58.0, final.InitialScore)
		assert.Equal(t, 83.5, final.FinalScore)
		assert.Equal(t, 5, final.Commits)
		require.NotNil(t, final.ApprovedPlan)
		assert.Equal(t, "a1", final.ApprovedPlan.ID)
		require.NotNil(t, final.StartedAt)
		require.NotNil(t, final.CompletedAt)

		// 6. The durable log replays in insertion order for late subscribers
		events, err := eventService.EventsSince(ctx, "session:"+sess.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "plan", events[0].Type)

		// 7. Retry requeues it for another pass on the surviving branch
		retried, err := sessionService.RetrySession(ctx, sess.ID, "push further on allocations")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, retried.Status)
		assert.Equal(t, "polish/20260824-093000", retried.BranchName)
		assert.Contains(t, retried.Mission, "push further on allocations")

		reclaimed, err := sessionService.ClaimNextPendingSession(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, sess.ID, reclaimed.ID)
		assert.Equal(t, "worker-2", reclaimed.WorkerID)

		// The event log survives the retry; the next run appends to it.
		events, err = eventService.EventsSince(ctx, "session:"+sess.ID, 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("orphan recovery and retention", func(t *testing.T) {
		stale := time.Now().Add(-time.Hour)
		orphan := seedSession(t, client.DB(), func(s *models.Session) {
			s.Status = models.StatusRunning
			s.WorkerID = "worker-gone"
			s.LastInteractionAt = &stale
		})
		seedEvent(t, client.DB(), orphan.ID, "session:"+orphan.ID, "init", nil, stale)

		// The orphan scan fails sessions whose worker stopped heartbeating
		orphans, err := sessionService.FindOrphanedSessions(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		require.NoError(t, sessionService.FinishSession(ctx, orphans[0].ID, models.StatusFailed, 0, 0, "orphaned: worker heartbeat lost"))

		failed, err := sessionService.GetSession(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.Status)
		assert.Contains(t, failed.ErrorMessage, "orphaned")

		// Retention soft-deletes the finished session, then the event
		// sweep reaps its now-orphaned log rows
		deleted, err := sessionService.SoftDeleteOldSessions(ctx, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, 1)

		reaped, err := eventService.CleanupOrphanedEvents(ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, reaped, 1)

		remaining, err := eventService.EventsSince(ctx, "session:"+orphan.ID, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})
}
