package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/loop"
	"github.com/codeready-toolchain/polish/pkg/masking"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/planner"
	"github.com/codeready-toolchain/polish/pkg/scoring"
	"github.com/codeready-toolchain/polish/pkg/services"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

// PolishExecutor processes one claimed session end to end: checkout,
// optional planning dialogue, worktree isolation, the polish loop, and
// worktree cleanup. Status transitions and events are written as they
// happen; the worker only records the terminal state from the returned
// ExecutionResult.
type PolishExecutor struct {
	sessions  *services.SessionService
	eventSvc  *services.EventService
	publisher *events.EventPublisher
	driver    agent.Driver
	runner    scoring.Executor
	masker    *masking.Masker
	cfg       *config.ServerConfig
}

// NewPolishExecutor assembles the executor from its collaborators.
func NewPolishExecutor(sessions *services.SessionService, eventSvc *services.EventService, publisher *events.EventPublisher, driver agent.Driver, runner scoring.Executor, cfg *config.ServerConfig) *PolishExecutor {
	return &PolishExecutor{
		sessions:  sessions,
		eventSvc:  eventSvc,
		publisher: publisher,
		driver:    driver,
		runner:    runner,
		masker:    masking.NewMasker(),
		cfg:       cfg,
	}
}

// Execute runs the session. The returned result is never nil.
func (e *PolishExecutor) Execute(ctx context.Context, session *models.Session) *ExecutionResult {
	log := slog.With("session_id", session.ID)
	sink := e.publisher.Sink(session.ID)

	repoPath, cleanupClone, err := e.resolveRepo(ctx, session)
	if err != nil {
		return e.fail(ctx, sink, session, fmt.Errorf("resolving repository: %w", err))
	}
	defer cleanupClone()

	preset, err := e.loadPreset(repoPath, session.PresetPath)
	if err != nil {
		return e.fail(ctx, sink, session, fmt.Errorf("loading preset: %w", err))
	}

	git := vcs.New(vcs.WithScratchDir(e.scratchDir()), vcs.WithExcludes(preset.Exclude))
	if !git.IsRepo(ctx, repoPath) {
		return e.fail(ctx, sink, session, fmt.Errorf("%s is not a git repository", repoPath))
	}

	// Planning phase, when enabled and no plan survived a retry.
	approvedPlan := session.ApprovedPlan
	if session.EnablePlanning && approvedPlan == nil {
		plan, res := e.runPlanning(ctx, session, repoPath, preset)
		if res != nil {
			return res
		}
		approvedPlan = plan
	} else {
		if err := e.transition(ctx, session.ID, models.StatusRunning); err != nil {
			return e.fail(ctx, sink, session, err)
		}
	}

	// Worktree isolation. A retry session reuses its branch as the base
	// so the new run continues from the previous run's tip.
	wt, err := git.CreateWorktree(ctx, repoPath, session.BranchName, session.ID)
	if err != nil && session.BranchName != "" {
		wt, err = git.CreateWorktree(ctx, repoPath, "", session.ID)
	}
	if err != nil {
		return e.fail(ctx, sink, session, fmt.Errorf("creating worktree: %w", err))
	}

	branchName := session.BranchName
	if branchName == "" {
		branchName, err = git.EnsureUniqueBranchName(ctx, repoPath, time.Now())
		if err != nil {
			_ = git.RemoveWorktree(context.WithoutCancel(ctx), repoPath, wt.Path)
			return e.fail(ctx, sink, session, fmt.Errorf("naming branch: %w", err))
		}
		if err := e.sessions.SetBranchName(ctx, session.ID, branchName); err != nil {
			_ = git.RemoveWorktree(context.WithoutCancel(ctx), repoPath, wt.Path)
			return e.fail(ctx, sink, session, err)
		}
	}

	e.emit(ctx, sink, events.EventTypeWorktreeCreated, events.WorktreePayload{
		Type:       events.EventTypeWorktreeCreated,
		Path:       wt.Path,
		BaseBranch: wt.BaseBranch,
		Branch:     branchName,
		Timestamp:  events.Now(),
	})

	e.emit(ctx, sink, events.EventTypePhase, events.PhasePayload{
		Type:      events.EventTypePhase,
		Phase:     events.PhasePolish,
		Timestamp: events.Now(),
	})

	scorer := scoring.New(e.runner, wt.Path, scoring.WithMasker(e.masker))
	engine := loop.New(e.driver, scorer, git, &statusTrackingSink{
		inner:     sink,
		sessions:  e.sessions,
		publisher: e.publisher,
		sessionID: session.ID,
	})

	result, runErr := engine.Run(ctx, loop.Config{
		SessionID:    session.ID,
		WorktreePath: wt.Path,
		Preset:       *preset,
		Mission:      session.Mission,
		ApprovedPlan: approvedPlan,
		BranchName:   branchName,
		BaseCommit:   wt.BaseCommit,
		AgentOptions: e.agentOptions(),
	})

	if result.InitialScore.Results != nil {
		if err := e.sessions.SetInitialScore(ctx, session.ID, result.InitialScore.Total); err != nil {
			log.Warn("Failed to record initial score", "error", err)
		}
	}

	// Cleanup runs even when the session context is already cancelled.
	cleanupCtx := context.WithoutCancel(ctx)
	kept := false
	if result.Commits > 0 {
		if _, err := git.BranchFromWorktree(cleanupCtx, wt.Path, branchName); err != nil {
			log.Error("Failed to name result branch", "branch", branchName, "error", err)
		} else {
			kept = true
		}
	}
	if err := git.RemoveWorktree(cleanupCtx, repoPath, wt.Path); err != nil {
		log.Warn("Failed to remove worktree", "path", wt.Path, "error", err)
	}
	e.emit(cleanupCtx, sink, events.EventTypeWorktreeCleanup, events.WorktreePayload{
		Type:      events.EventTypeWorktreeCleanup,
		Path:      wt.Path,
		Branch:    branchName,
		Kept:      kept,
		Timestamp: events.Now(),
	})

	switch {
	case runErr == nil:
		status := models.StatusCompleted
		var resultErr error
		if !result.Success {
			status = models.StatusFailed
			resultErr = errors.New(result.Reason)
		}
		return &ExecutionResult{
			Status:     status,
			FinalScore: result.FinalScore.Total,
			Commits:    result.Commits,
			Err:        resultErr,
		}
	case errors.Is(runErr, context.Canceled):
		e.emitAborted(cleanupCtx, sink, session.ID)
		return &ExecutionResult{
			Status:     models.StatusCancelled,
			FinalScore: result.FinalScore.Total,
			Commits:    result.Commits,
			Err:        runErr,
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		return &ExecutionResult{
			Status:     models.StatusFailed,
			FinalScore: result.FinalScore.Total,
			Commits:    result.Commits,
			Err:        errors.New("session timed out"),
		}
	default:
		// The loop already emitted the error event and a failed result.
		return &ExecutionResult{
			Status:     models.StatusFailed,
			FinalScore: result.FinalScore.Total,
			Commits:    result.Commits,
			Err:        runErr,
		}
	}
}

// runPlanning drives the approval-gated planning dialogue. A non-nil
// ExecutionResult terminates the session (rejection or error); otherwise
// the returned plan enters the loop and the session is running.
func (e *PolishExecutor) runPlanning(ctx context.Context, session *models.Session, repoPath string, preset *models.Preset) (*models.Plan, *ExecutionResult) {
	sink := e.publisher.Sink(session.ID)

	if err := e.transition(ctx, session.ID, models.StatusPlanning); err != nil {
		return nil, e.fail(ctx, sink, session, err)
	}
	e.emit(ctx, sink, events.EventTypePhase, events.PhasePayload{
		Type:      events.EventTypePhase,
		Phase:     events.PhasePlanning,
		Timestamp: events.Now(),
	})

	// Anchor the message poller at the dialogue start so only messages
	// sent during this dialogue are relayed.
	fromID, err := e.eventSvc.LatestEventID(ctx, events.SessionChannel(session.ID))
	if err != nil {
		return nil, e.fail(ctx, sink, session, err)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	messages := startMessagePoller(pollCtx, e.eventSvc, session.ID, fromID)

	opts := []agent.Option{agent.WithWorkdir(repoPath)}
	opts = append(opts, agent.CapabilityOptions(preset.PlanningCapability())...)
	opts = append(opts, e.agentOptions()...)

	p := planner.New(e.driver,
		planner.WithSink(&dialogueSink{inner: sink}),
		planner.WithAgentOptions(opts...),
	)

	res, err := p.Dialogue(ctx, planner.DialogueConfig{
		SessionID: session.ID,
		Mission:   session.Mission,
		Gate:      &replanGate{inner: newDBGate(e.sessions, e.eventSvc), sessions: e.sessions},
		Messages:  messages,
		OnPlan: func(ctx context.Context, _ *models.Plan) error {
			return e.transition(ctx, session.ID, models.StatusAwaitingApproval)
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.emitAborted(context.WithoutCancel(ctx), sink, session.ID)
			return nil, &ExecutionResult{Status: models.StatusCancelled, Err: err}
		}
		return nil, e.fail(ctx, sink, session, fmt.Errorf("planning: %w", err))
	}
	if !res.Approved {
		// Rejected without feedback, or aborted while awaiting approval.
		e.emitAborted(ctx, sink, session.ID)
		return nil, &ExecutionResult{Status: models.StatusCancelled}
	}

	if err := e.transition(ctx, session.ID, models.StatusRunning); err != nil {
		return nil, e.fail(ctx, sink, session, err)
	}
	return res.Plan, nil
}

// resolveRepo returns the local repository path for the session: the
// project path as-is, or a fresh clone of the remote. The returned
// cleanup removes the clone (no-op for local projects).
func (e *PolishExecutor) resolveRepo(ctx context.Context, session *models.Session) (string, func(), error) {
	if session.RepoURL == "" {
		return session.ProjectPath, func() {}, nil
	}

	dir, err := os.MkdirTemp(e.scratchDir(), "polish-clone-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove clone", "dir", dir, "error", err)
		}
	}

	git := vcs.New(vcs.WithScratchDir(e.scratchDir()))
	if err := git.CloneRemote(ctx, session.RepoURL, dir, os.Getenv("GITHUB_TOKEN")); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

// loadPreset resolves the session's preset inside the checkout, honoring
// an explicit preset path override.
func (e *PolishExecutor) loadPreset(repoPath, presetPath string) (*models.Preset, error) {
	if presetPath != "" {
		if !filepath.IsAbs(presetPath) {
			presetPath = filepath.Join(repoPath, presetPath)
		}
		return config.ReadPresetFile(presetPath)
	}
	preset, _, err := config.LoadPreset(repoPath)
	return preset, err
}

// transition moves the session and publishes the status event.
func (e *PolishExecutor) transition(ctx context.Context, sessionID string, status models.Status) error {
	if err := e.sessions.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		return err
	}
	if err := e.publisher.PublishStatus(ctx, sessionID, events.StatusPayload{
		Type:      events.EventTypeStatus,
		SessionID: sessionID,
		Status:    status,
		Timestamp: events.Now(),
	}); err != nil {
		slog.Warn("Failed to publish status", "session_id", sessionID, "status", status, "error", err)
	}
	return nil
}

// fail emits a fatal error event and returns a failed result. The worker
// writes the terminal row.
func (e *PolishExecutor) fail(ctx context.Context, sink *events.Sink, session *models.Session, err error) *ExecutionResult {
	slog.Error("Session execution failed", "session_id", session.ID, "error", err)
	e.emit(context.WithoutCancel(ctx), sink, events.EventTypeError, events.ErrorPayload{
		Type:      events.EventTypeError,
		Message:   e.masker.Mask(err.Error()),
		Fatal:     true,
		Timestamp: events.Now(),
	})
	return &ExecutionResult{Status: models.StatusFailed, Err: err}
}

func (e *PolishExecutor) emit(ctx context.Context, sink *events.Sink, eventType string, payload any) {
	if err := sink.Emit(ctx, eventType, payload); err != nil {
		slog.Warn("Failed to emit event", "event_type", eventType, "error", err)
	}
}

func (e *PolishExecutor) emitAborted(ctx context.Context, sink *events.Sink, sessionID string) {
	e.emit(ctx, sink, events.EventTypeAborted, events.AbortedPayload{
		Type:      events.EventTypeAborted,
		SessionID: sessionID,
		Timestamp: events.Now(),
	})
}

// agentOptions returns the server-level driver options applied to every
// agent invocation.
func (e *PolishExecutor) agentOptions() []agent.Option {
	var opts []agent.Option
	if e.cfg.AgentCLI != "" {
		opts = append(opts, agent.WithCLIPath(e.cfg.AgentCLI))
	}
	return opts
}

func (e *PolishExecutor) scratchDir() string {
	if e.cfg.ScratchDir != "" {
		return e.cfg.ScratchDir
	}
	return os.TempDir()
}

// statusTrackingSink forwards loop events and mirrors the review pass
// into the session status: review_start moves the session to reviewing,
// review_complete and review_redirect move it back to running.
type statusTrackingSink struct {
	inner     *events.Sink
	sessions  *services.SessionService
	publisher *events.EventPublisher
	sessionID string
}

func (s *statusTrackingSink) Emit(ctx context.Context, eventType string, payload any) error {
	if err := s.inner.Emit(ctx, eventType, payload); err != nil {
		return err
	}

	var status models.Status
	switch eventType {
	case events.EventTypeReviewStart:
		status = models.StatusReviewing
	case events.EventTypeReviewComplete, events.EventTypeReviewRedirect:
		status = models.StatusRunning
	default:
		return nil
	}

	if err := s.sessions.UpdateSessionStatus(ctx, s.sessionID, status); err != nil {
		slog.Warn("Failed to track review status", "session_id", s.sessionID, "status", status, "error", err)
		return nil
	}
	if err := s.publisher.PublishStatus(ctx, s.sessionID, events.StatusPayload{
		Type:      events.EventTypeStatus,
		SessionID: s.sessionID,
		Status:    status,
		Timestamp: events.Now(),
	}); err != nil {
		slog.Warn("Failed to publish review status", "session_id", s.sessionID, "error", err)
	}
	return nil
}
