package services

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// seedSession inserts a session row directly, bypassing CreateSession
// validation, so tests can start from any state machine position.
func seedSession(t *testing.T, db *sql.DB, mutate func(*models.Session)) *models.Session {
	t.Helper()

	sess := &models.Session{
		ID:          uuid.New().String(),
		ProjectPath: t.TempDir(),
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
	if mutate != nil {
		mutate(sess)
	}

	var capabilityIDs []byte
	if len(sess.CapabilityIDs) > 0 {
		var err error
		capabilityIDs, err = json.Marshal(sess.CapabilityIDs)
		require.NoError(t, err)
	}
	var approvedPlan []byte
	if sess.ApprovedPlan != nil {
		var err error
		approvedPlan, err = json.Marshal(sess.ApprovedPlan)
		require.NoError(t, err)
	}

	_, err := db.Exec(`
		INSERT INTO sessions (id, project_path, repo_url, mission, preset_path, branch_name, status,
			enable_planning, initial_score, final_score, commits, retry_count,
			approved_plan, capability_ids, error_message, worker_id, cancel_requested,
			created_at, started_at, completed_at, last_interaction_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		sess.ID, sess.ProjectPath, sess.RepoURL, sess.Mission, sess.PresetPath, sess.BranchName, sess.Status,
		sess.EnablePlanning, sess.InitialScore, sess.FinalScore, sess.Commits, sess.RetryCount,
		approvedPlan, capabilityIDs, sess.ErrorMessage, sess.WorkerID, sess.CancelRequested,
		sess.CreatedAt, sess.StartedAt, sess.CompletedAt, sess.LastInteractionAt, sess.DeletedAt)
	require.NoError(t, err)
	return sess
}

// seedEvent persists one durable event row the way the publisher would.
func seedEvent(t *testing.T, db *sql.DB, sessionID, channel, eventType string, payload map[string]any, createdAt time.Time) int64 {
	t.Helper()

	if payload == nil {
		payload = map[string]any{"type": eventType}
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var id int64
	err = db.QueryRow(`
		INSERT INTO events (session_id, channel, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		sessionID, channel, eventType, data, createdAt).Scan(&id)
	require.NoError(t, err)
	return id
}

// seedPlanEvent persists a plan proposal so approval tests can resolve
// approach ids against it.
func seedPlanEvent(t *testing.T, db *sql.DB, sessionID string, plan models.Plan) int64 {
	t.Helper()
	return seedEvent(t, db, sessionID, "session:"+sessionID, eventTypePlan, map[string]any{
		"type":      eventTypePlan,
		"plan":      plan,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, time.Now())
}
