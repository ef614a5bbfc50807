package events

import (
	"encoding/json"
	"testing"

	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPayloadJSON(t *testing.T) {
	payload := StatusPayload{
		Type:      EventTypeStatus,
		SessionID: "sess-1",
		Status:    models.StatusRunning,
		Timestamp: Now(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	// The global sessions channel multiplexes all sessions, so the
	// session list client routes by session_id inside the payload.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "status", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "running", decoded["status"])
	assert.NotEmpty(t, decoded["timestamp"])
}

func TestScorePayloadCarriesPerMetricResults(t *testing.T) {
	payload := ScorePayload{
		Type: EventTypeScore,
		Score: models.Score{
			Total: 72.5,
			Results: []models.MetricResult{
				{Name: "tests", Score: 80, Target: 100, Weight: 0.4},
				{Name: "lint", Score: 65, Target: 95, Weight: 0.6},
			},
		},
		Previous:  70.0,
		Delta:     2.5,
		Timestamp: Now(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded struct {
		Score struct {
			Total   float64 `json:"total"`
			Results []struct {
				Name  string `json:"name"`
				Score int    `json:"score"`
			} `json:"results"`
		} `json:"score"`
		Delta float64 `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 72.5, decoded.Score.Total)
	require.Len(t, decoded.Score.Results, 2)
	assert.Equal(t, "tests", decoded.Score.Results[0].Name)
	assert.Equal(t, 80, decoded.Score.Results[0].Score)
	assert.Equal(t, 2.5, decoded.Delta)
}

func TestResultPayloadOmitsEmptyBranch(t *testing.T) {
	payload := ResultPayload{
		Type:         EventTypeResult,
		Success:      true,
		Reason:       ReasonTargetReached,
		InitialScore: 61.2,
		FinalScore:   96.0,
		Iterations:   4,
		Commits:      3,
		Timestamp:    Now(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "branch")

	payload.Branch = "polish/tests-20260824"
	data, err = json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"branch":"polish/tests-20260824"`)
}

func TestWorktreePayloadCoversBothLifecycleEvents(t *testing.T) {
	created := WorktreePayload{
		Type:       EventTypeWorktreeCreated,
		Path:       "/tmp/polish/sess-1",
		BaseBranch: "main",
		Branch:     "polish/sess-1",
		Timestamp:  Now(),
	}
	cleanup := WorktreePayload{
		Type:      EventTypeWorktreeCleanup,
		Path:      "/tmp/polish/sess-1",
		Kept:      true,
		Timestamp: Now(),
	}

	createdJSON, err := json.Marshal(created)
	require.NoError(t, err)
	assert.Contains(t, string(createdJSON), `"type":"worktree_created"`)
	assert.Contains(t, string(createdJSON), `"base_branch":"main"`)
	assert.NotContains(t, string(createdJSON), `"kept"`)

	cleanupJSON, err := json.Marshal(cleanup)
	require.NoError(t, err)
	assert.Contains(t, string(cleanupJSON), `"type":"worktree_cleanup"`)
	assert.Contains(t, string(cleanupJSON), `"kept":true`)
}

func TestPlanPayloadEmbedsStructuredSteps(t *testing.T) {
	payload := PlanPayload{
		Type: EventTypePlan,
		Plan: models.Plan{
			ID:      "plan-1",
			Summary: "Stabilize the failing suite first",
			Steps: []models.PlanStep{
				{ID: "s1", Title: "Fix flaky retry test", Complexity: models.ComplexityLow},
				{ID: "s2", Title: "Type the config loader", Files: []string{"src/config.ts"}},
			},
		},
		Timestamp: Now(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded struct {
		Plan struct {
			ID    string `json:"id"`
			Steps []struct {
				Title      string `json:"title"`
				Complexity string `json:"complexity,omitempty"`
			} `json:"steps"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "plan-1", decoded.Plan.ID)
	require.Len(t, decoded.Plan.Steps, 2)
	assert.Equal(t, "low", decoded.Plan.Steps[0].Complexity)
}

func TestPlanDecisionPayloadSharedAcrossVerdicts(t *testing.T) {
	approved := PlanDecisionPayload{
		Type:       EventTypePlanApproved,
		Approved:   true,
		ApproachID: "plan-2",
		Timestamp:  Now(),
	}
	rejected := PlanDecisionPayload{
		Type:      EventTypePlanRejected,
		Approved:  false,
		Feedback:  "split step 3 into smaller pieces",
		Timestamp: Now(),
	}

	approvedJSON, err := json.Marshal(approved)
	require.NoError(t, err)
	assert.Contains(t, string(approvedJSON), `"approach_id":"plan-2"`)
	assert.NotContains(t, string(approvedJSON), "feedback")

	rejectedJSON, err := json.Marshal(rejected)
	require.NoError(t, err)
	assert.Contains(t, string(rejectedJSON), `"approved":false`)
	assert.Contains(t, string(rejectedJSON), "split step 3")
}

func TestToolDonePayloadErrorShape(t *testing.T) {
	payload := ToolDonePayload{
		Type:       EventTypeToolDone,
		ID:         "tool-9",
		Success:    false,
		Error:      "command exited 1",
		DurationMS: 340,
		Timestamp:  Now(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success":false`)
	assert.Contains(t, string(data), `"error":"command exited 1"`)
	assert.Contains(t, string(data), `"duration_ms":340`)
	assert.NotContains(t, string(data), `"output"`)
}

func TestCatchupPayloadsAreSynthetic(t *testing.T) {
	catchup := CatchupPayload{
		Type:      EventTypeCatchup,
		Count:     12,
		FromID:    5,
		ToID:      16,
		Timestamp: Now(),
	}
	overflow := CatchupOverflowPayload{
		Type:      EventTypeCatchupOverflow,
		Limit:     200,
		Timestamp: Now(),
	}

	catchupJSON, err := json.Marshal(catchup)
	require.NoError(t, err)
	assert.Contains(t, string(catchupJSON), `"count":12`)
	assert.Contains(t, string(catchupJSON), `"from_id":5`)

	overflowJSON, err := json.Marshal(overflow)
	require.NoError(t, err)
	assert.Contains(t, string(overflowJSON), `"type":"catchup.overflow"`)
	assert.Contains(t, string(overflowJSON), `"limit":200`)
}
