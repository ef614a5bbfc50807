// Package notify delivers terminal-session webhook notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeready-toolchain/polish/pkg/services"
)

// postTimeout bounds one webhook delivery attempt.
const postTimeout = 10 * time.Second

// SessionFinishedInput contains data for a terminal session notification.
type SessionFinishedInput struct {
	SessionID    string  `json:"session_id"`
	Status       string  `json:"status"` // completed, failed, cancelled
	Mission      string  `json:"mission,omitempty"`
	BranchName   string  `json:"branch_name,omitempty"`
	InitialScore float64 `json:"initial_score"`
	FinalScore   float64 `json:"final_score"`
	Commits      int     `json:"commits"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Notifier POSTs a JSON notification for every terminal session.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	url      string
	client   *http.Client
	warnings *services.SystemWarningsService
	logger   *slog.Logger

	// Dedupe by session+status: retries and duplicate terminal writes
	// must not repeat the outbound POST.
	mu   sync.Mutex
	sent map[string]bool
}

// NewNotifier creates a webhook notifier. Returns nil if url is empty.
// warnings may be nil (delivery failures are then only logged).
func NewNotifier(url string, warnings *services.SystemWarningsService) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:      url,
		client:   &http.Client{Timeout: postTimeout},
		warnings: warnings,
		logger:   slog.Default().With("component", "webhook-notifier"),
		sent:     make(map[string]bool),
	}
}

// NewNotifierWithClient creates a Notifier backed by a pre-built HTTP
// client. Useful for testing with a mock server.
func NewNotifierWithClient(url string, client *http.Client, warnings *services.SystemWarningsService) *Notifier {
	n := NewNotifier(url, warnings)
	if n != nil && client != nil {
		n.client = client
	}
	return n
}

// NotifySessionFinished sends a terminal status notification.
// Fail-open: errors are logged and recorded as system warnings, never
// returned, so notification problems cannot affect session processing.
func (n *Notifier) NotifySessionFinished(ctx context.Context, input SessionFinishedInput) {
	if n == nil {
		return
	}

	key := input.SessionID + ":" + input.Status
	n.mu.Lock()
	if n.sent[key] {
		n.mu.Unlock()
		return
	}
	n.sent[key] = true
	n.mu.Unlock()

	if err := n.post(ctx, input); err != nil {
		n.logger.Error("Failed to deliver webhook notification",
			"session_id", input.SessionID,
			"status", input.Status,
			"error", err)
		if n.warnings != nil {
			n.warnings.AddWarning(services.WarningCategoryWebhook,
				"Webhook notification delivery failed",
				err.Error(), n.url)
		}
		return
	}

	if n.warnings != nil {
		n.warnings.ClearBySource(services.WarningCategoryWebhook, n.url)
	}
}

// post performs one delivery attempt.
func (n *Notifier) post(ctx context.Context, input SessionFinishedInput) error {
	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
