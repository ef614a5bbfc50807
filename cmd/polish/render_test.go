package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/session"
)

func TestRenderEvent(t *testing.T) {
	tests := []struct {
		name  string
		event session.Event
		want  string
	}{
		{
			name: "init",
			event: session.Event{Type: events.EventTypeInit, Payload: events.InitPayload{
				InitialScore: models.Score{
					Total:   82.5,
					Results: []models.MetricResult{{Name: "tests", Score: 80}, {Name: "lint", Score: 90}},
				},
				Target: 95,
			}},
			want: "initial score 82.5 (target 95.0) [tests=80 lint=90]",
		},
		{
			name: "commit",
			event: session.Event{Type: events.EventTypeCommit, Payload: events.CommitPayload{
				Hash: "abcdef0123456789", Metric: "tests", Previous: 80, New: 85.5,
			}},
			want: "committed abcdef01: tests (80.0 → 85.5)",
		},
		{
			name: "rollback",
			event: session.Event{Type: events.EventTypeRollback, Payload: events.RollbackPayload{
				Reason: "score regressed",
			}},
			want: "rolled back: score regressed",
		},
		{
			name: "successful result",
			event: session.Event{Type: events.EventTypeResult, Payload: events.ResultPayload{
				Success: true, Reason: events.ReasonTargetReached,
				InitialScore: 80, FinalScore: 96, Iterations: 3, Commits: 2, Branch: "polish/x",
			}},
			want: "target reached: 80.0 → 96.0 after 3 iteration(s), 2 commit(s) [target_reached] on polish/x",
		},
		{
			name: "thinking is suppressed",
			event: session.Event{Type: events.EventTypeThinking, Payload: events.AgentTextPayload{
				Type: events.EventTypeThinking, Text: "hmm",
			}},
			want: "",
		},
		{
			name: "agent text is indented",
			event: session.Event{Type: events.EventTypeText, Payload: events.AgentTextPayload{
				Type: events.EventTypeText, Text: "line one\nline two\n",
			}},
			want: "  line one\n  line two",
		},
		{
			name: "tool start prefers the display string",
			event: session.Event{Type: events.EventTypeToolStart, Payload: events.ToolStartPayload{
				Name: "Bash", Display: "Bash(npm test)",
			}},
			want: "  » Bash(npm test)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, renderEvent(tc.event))
		})
	}
}
