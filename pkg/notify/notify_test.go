package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/codeready-toolchain/polish/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilReceiver(t *testing.T) {
	var n *Notifier

	// Should not panic
	n.NotifySessionFinished(context.Background(), SessionFinishedInput{
		SessionID: "sess-1",
		Status:    "completed",
	})
}

func TestNewNotifier(t *testing.T) {
	t.Run("returns nil when url empty", func(t *testing.T) {
		assert.Nil(t, NewNotifier("", nil))
	})

	t.Run("returns notifier when configured", func(t *testing.T) {
		assert.NotNil(t, NewNotifier("https://hooks.example.com/polish", nil))
	})
}

func TestNotifier_NotifySessionFinished(t *testing.T) {
	var received atomic.Int32
	var got SessionFinishedInput
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifierWithClient(server.URL, server.Client(), nil)

	n.NotifySessionFinished(context.Background(), SessionFinishedInput{
		SessionID:    "sess-1",
		Status:       "completed",
		Mission:      "tighten error handling",
		BranchName:   "polish/20260824-101500",
		InitialScore: 58.0,
		FinalScore:   83.5,
		Commits:      4,
	})

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 83.5, got.FinalScore)
	assert.Equal(t, 4, got.Commits)
}

func TestNotifier_DedupesBySessionAndStatus(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifierWithClient(server.URL, server.Client(), nil)
	input := SessionFinishedInput{SessionID: "sess-1", Status: "failed"}

	n.NotifySessionFinished(context.Background(), input)
	n.NotifySessionFinished(context.Background(), input)
	assert.Equal(t, int32(1), received.Load(), "repeat delivery for the same session+status must be suppressed")

	// A different terminal status for the same session is a new event.
	n.NotifySessionFinished(context.Background(), SessionFinishedInput{SessionID: "sess-1", Status: "completed"})
	assert.Equal(t, int32(2), received.Load())
}

func TestNotifier_RecordsWarningOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	warnings := services.NewSystemWarningsService()
	n := NewNotifierWithClient(server.URL, server.Client(), warnings)

	n.NotifySessionFinished(context.Background(), SessionFinishedInput{
		SessionID: "sess-1",
		Status:    "failed",
	})

	all := warnings.GetWarnings()
	require.Len(t, all, 1)
	assert.Equal(t, services.WarningCategoryWebhook, all[0].Category)
	assert.Equal(t, server.URL, all[0].Source)
	assert.Contains(t, all[0].Details, "502")
}

func TestNotifier_ClearsWarningOnRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	warnings := services.NewSystemWarningsService()
	n := NewNotifierWithClient(server.URL, server.Client(), warnings)

	n.NotifySessionFinished(context.Background(), SessionFinishedInput{SessionID: "sess-1", Status: "failed"})
	require.Len(t, warnings.GetWarnings(), 1)

	fail.Store(false)
	n.NotifySessionFinished(context.Background(), SessionFinishedInput{SessionID: "sess-2", Status: "completed"})
	assert.Empty(t, warnings.GetWarnings(), "successful delivery clears the webhook warning")
}
