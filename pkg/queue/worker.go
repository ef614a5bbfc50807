package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/notify"
	"github.com/codeready-toolchain/polish/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// cancelPollInterval is how often a worker checks the session's
// cancel_requested flag while processing. Abort requests that land on
// another replica travel through this flag.
const cancelPollInterval = 2 * time.Second

// Worker is a single queue worker that polls for and processes sessions.
type Worker struct {
	id        string
	sessions  *services.SessionService
	config    *config.QueueConfig
	executor  SessionExecutor
	publisher *events.EventPublisher
	notifier  *notify.Notifier
	pool      SessionRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentSessionID  string
	sessionsProcessed int
	lastActivity      time.Time
}

// NewWorker creates a new queue worker.
// publisher may be nil (streaming disabled); notifier may be nil
// (webhook notifications disabled).
func NewWorker(id string, sessions *services.SessionService, cfg *config.QueueConfig, executor SessionExecutor, pool SessionRegistry, publisher *events.EventPublisher, notifier *notify.Notifier) *Worker {
	return &Worker{
		id:           id,
		sessions:     sessions,
		config:       cfg,
		executor:     executor,
		publisher:    publisher,
		notifier:     notifier,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentSessionID:  w.currentSessionID,
		SessionsProcessed: w.sessionsProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoSessionsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing session", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a session, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount and mitigated by poll jitter).
	activeCount, err := w.sessions.CountLiveSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("checking active sessions: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentSessions {
		return ErrAtCapacity
	}

	// 2. Claim next session (FOR UPDATE SKIP LOCKED under the hood).
	session, err := w.sessions.ClaimNextPendingSession(ctx, w.id)
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	if session == nil {
		return ErrNoSessionsAvailable
	}

	log := slog.With("session_id", session.ID, "worker_id", w.id)
	log.Info("Session claimed", "project_path", session.ProjectPath, "retry_count", session.RetryCount)

	w.setStatus(WorkerStatusWorking, session.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create session context with timeout
	sessionCtx, cancelSession := context.WithTimeout(ctx, w.config.SessionTimeout)
	defer cancelSession()

	// 4. Register cancel function for API-triggered cancellation, and
	//    watch the durable cancel flag for aborts landing on other replicas.
	w.pool.RegisterSession(session.ID, cancelSession)
	defer w.pool.UnregisterSession(session.ID)

	watchCtx, stopWatch := context.WithCancel(sessionCtx)
	defer stopWatch()
	go w.watchCancelFlag(watchCtx, session.ID, cancelSession)

	// 5. Start heartbeat
	go w.runHeartbeat(watchCtx, session.ID)

	// 6. Execute session
	result := w.executor.Execute(sessionCtx, session)

	// 6a. Nil-guard: synthesize a safe result if executor returned nil
	if result == nil {
		switch {
		case errors.Is(sessionCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.StatusFailed,
				Err:    fmt.Errorf("session timed out after %v", w.config.SessionTimeout),
			}
		case errors.Is(sessionCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: models.StatusCancelled,
				Err:    context.Canceled,
			}
		default:
			result = &ExecutionResult{
				Status: models.StatusFailed,
				Err:    fmt.Errorf("executor returned nil result"),
			}
		}
	}

	// 7. Stop heartbeat and flag watcher
	stopWatch()

	// 8. Record terminal status (use background context — session ctx may
	//    be cancelled)
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := w.sessions.FinishSession(context.Background(), session.ID, result.Status, result.FinalScore, result.Commits, errMsg); err != nil {
		log.Error("Failed to record session terminal status", "status", result.Status, "error", err)
		return err
	}

	// 9. Publish terminal status event and send the webhook notification
	w.publishSessionStatus(context.Background(), session.ID, result.Status)
	w.notifier.NotifySessionFinished(context.Background(), notify.SessionFinishedInput{
		SessionID:    session.ID,
		Status:       string(result.Status),
		Mission:      session.Mission,
		BranchName:   session.BranchName,
		FinalScore:   result.FinalScore,
		Commits:      result.Commits,
		ErrorMessage: errMsg,
	})

	w.mu.Lock()
	w.sessionsProcessed++
	w.mu.Unlock()

	log.Info("Session processing complete", "status", result.Status)
	return nil
}

// watchCancelFlag polls the session's cancel_requested flag and cancels
// the session context when it is set.
func (w *Worker) watchCancelFlag(ctx context.Context, sessionID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.sessions.CancelRequested(ctx, sessionID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("Cancel flag check failed", "session_id", sessionID, "error", err)
				}
				continue
			}
			if requested {
				slog.Info("Cancel requested, aborting session", "session_id", sessionID)
				cancel()
				return
			}
		}
	}
}

// runHeartbeat periodically refreshes last_interaction_at for orphan
// detection. Losing the claim (another replica recovered the session)
// is only logged; the executor will fail on its next DB write.
func (w *Worker) runHeartbeat(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sessions.Heartbeat(ctx, sessionID, w.id); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("Heartbeat update failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}
}

// publishSessionStatus publishes a session status event to both the
// session-specific and global channels. Non-blocking: errors are logged.
func (w *Worker) publishSessionStatus(ctx context.Context, sessionID string, status models.Status) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishStatus(ctx, sessionID, events.StatusPayload{
		Type:      events.EventTypeStatus,
		SessionID: sessionID,
		Status:    status,
		Timestamp: events.Now(),
	}); err != nil {
		slog.Warn("Failed to publish session status",
			"session_id", sessionID, "status", status, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
}
