// Package loop implements the polish loop: score the tree, pick the
// worst metric, let the agent attack it, re-score, and commit or roll
// back. Every commit the loop makes raises the total score by at least
// the configured minimum improvement.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/scoring"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

// ErrRollbackFailed marks the unrecoverable failure mode: the worktree
// could not be restored to its pre-turn snapshot, so nothing about the
// tree can be trusted anymore.
var ErrRollbackFailed = errors.New("worktree rollback failed")

// errBudgetExhausted routes wall-clock expiry to a max_duration result.
var errBudgetExhausted = errors.New("wall-clock budget exhausted")

// Sink receives loop events. CLI mode wires the in-memory hub, server
// mode the durable publisher.
type Sink interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Scorer measures the tree against the preset metrics.
type Scorer interface {
	Calculate(ctx context.Context, metrics []models.Metric) (models.Score, error)
}

// VCS is the version-control surface the loop drives.
type VCS interface {
	Snapshot(ctx context.Context, dir string) (vcs.SnapshotRef, error)
	Rollback(ctx context.Context, dir string, ref *vcs.SnapshotRef) error
	Commit(ctx context.Context, dir, message string) (string, error)
	HasChanges(ctx context.Context, dir string) (bool, error)
	TreeFingerprint(dir string) (string, error)
}

// Config parameterises one loop run.
type Config struct {
	SessionID string

	// WorktreePath is the tree being polished: a session worktree in
	// supervised runs, the project itself in plain CLI runs.
	WorktreePath string

	Preset       models.Preset
	Mission      string
	ApprovedPlan *models.Plan

	// BranchName is reported in the result when commits were made.
	BranchName string

	// BaseCommit anchors the review prompt's diff reference.
	BaseCommit string

	// StatePath overrides the state-file location. Default is
	// .polish/state.json under WorktreePath.
	StatePath string

	// MaxDuration is the wall-clock budget. Zero means unbounded.
	MaxDuration time.Duration

	// AgentOptions are appended to every agent turn, after the
	// capability-derived options.
	AgentOptions []agent.Option
}

// Result summarises a finished loop run.
type Result struct {
	Success      bool
	Reason       string
	InitialScore models.Score
	FinalScore   models.Score
	Iterations   int
	Commits      int
	CommitHashes []string
}

// Engine runs polish loops. An Engine is safe for concurrent use; all
// per-run state lives on the stack of Run.
type Engine struct {
	driver agent.Driver
	scorer Scorer
	vcs    VCS
	sink   Sink
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New assembles an Engine from its collaborators. A nil sink discards
// events.
func New(driver agent.Driver, scorer Scorer, v VCS, sink Sink, opts ...Option) *Engine {
	e := &Engine{driver: driver, scorer: scorer, vcs: v, sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the polish loop to termination. The returned error is
// non-nil only for cancellation and for failures that invalidate the
// commit-or-restore guarantee; plateau and iteration exhaustion are
// regular results.
func (e *Engine) Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.WorktreePath == "" {
		return Result{}, errors.New("loop: worktree path required")
	}
	if len(cfg.Preset.Metrics) == 0 {
		return Result{}, errors.New("loop: preset has no metrics")
	}

	r := &run{e: e, cfg: cfg, statePath: cfg.StatePath}
	if r.statePath == "" {
		r.statePath = DefaultStatePath(cfg.WorktreePath)
	}

	runCtx := ctx
	if cfg.MaxDuration > 0 {
		r.deadline = e.now().Add(cfg.MaxDuration)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, r.deadline)
		defer cancel()
	}

	return r.run(runCtx)
}

// run carries the mutable state of one Engine.Run invocation.
type run struct {
	e         *Engine
	cfg       Config
	statePath string
	deadline  time.Time

	st      State
	current models.Score
	res     Result

	// redirect carries reviewer feedback into the next iteration's
	// prompt.
	redirect string
}

func (r *run) run(ctx context.Context) (Result, error) {
	initial, err := r.e.scorer.Calculate(ctx, r.cfg.Preset.Metrics)
	if err != nil {
		return r.res, fmt.Errorf("initial scoring: %w", err)
	}
	r.current = initial
	r.res = Result{InitialScore: initial, FinalScore: initial}
	r.st = State{
		Scores:       []float64{initial.Total},
		WorktreePath: r.cfg.WorktreePath,
		StartedAt:    r.e.now().UTC(),
	}
	r.saveState()

	r.emit(ctx, events.EventTypeInit, events.InitPayload{
		Type:         events.EventTypeInit,
		InitialScore: initial,
		Target:       r.cfg.Preset.Target,
		Timestamp:    events.Now(),
	})

	if initial.Total >= r.cfg.Preset.Target {
		return r.finish(ctx, true, events.ReasonTargetReached)
	}

	if r.cfg.Mission != "" || r.cfg.ApprovedPlan != nil {
		if err := r.missionTurn(ctx); err != nil {
			return r.terminateOnError(ctx, err)
		}
		if r.current.Total >= r.cfg.Preset.Target {
			return r.finish(ctx, true, events.ReasonTargetReached)
		}
	}

	maxStalled := r.cfg.Preset.MaxStalledOrDefault()
	for r.st.Iteration < r.cfg.Preset.MaxIterations {
		if err := ctx.Err(); err != nil {
			if r.budgetExhausted() {
				return r.finish(ctx, true, events.ReasonMaxDuration)
			}
			return r.res, err
		}

		if err := r.iterate(ctx); err != nil {
			return r.terminateOnError(ctx, err)
		}

		if r.current.Total >= r.cfg.Preset.Target {
			return r.finish(ctx, true, events.ReasonTargetReached)
		}
		if r.st.StalledCount >= maxStalled {
			return r.finish(ctx, true, events.ReasonPlateau)
		}
		if r.budgetExhausted() {
			return r.finish(ctx, true, events.ReasonMaxDuration)
		}
	}

	return r.finish(ctx, r.current.Total >= r.cfg.Preset.Target, events.ReasonMaxIterations)
}

// iterate performs one numbered polish iteration: worst metric,
// strategy prompt, snapshot-bracketed agent turn, accept or reject.
func (r *run) iterate(ctx context.Context) error {
	r.st.Iteration++
	r.res.Iterations = r.st.Iteration
	r.emit(ctx, events.EventTypeIteration, events.IterationPayload{
		Type:          events.EventTypeIteration,
		Iteration:     r.st.Iteration,
		MaxIterations: r.cfg.Preset.MaxIterations,
		Timestamp:     events.Now(),
	})

	worst, ok := scoring.Worst(r.current)
	if !ok {
		return errors.New("loop: scoring pass returned no metric results")
	}
	r.emit(ctx, events.EventTypeImproving, events.ImprovingPayload{
		Type:      events.EventTypeImproving,
		Metric:    worst.Name,
		Score:     worst.Score,
		Target:    worst.Target,
		Gap:       worst.Gap(),
		Timestamp: events.Now(),
	})

	prompt := strategyPrompt(r.cfg.Preset, worst, r.cfg.Mission)
	if r.redirect != "" {
		prompt += "\n\nReviewer feedback to address in this iteration:\n" + r.redirect
		r.redirect = ""
	}
	return r.attempt(ctx, prompt, worst.Name)
}

// missionTurn runs the up-front implementation turn for the session
// mission. It is judged like any other turn but is not an iteration: it
// counts against neither maxIterations nor the plateau.
func (r *run) missionTurn(ctx context.Context) error {
	err := r.attempt(ctx, missionPrompt(r.cfg.Mission, r.cfg.ApprovedPlan), "mission")
	r.st.StalledCount = 0
	return err
}

// attempt is the commit-or-restore bracket around one agent turn:
// snapshot, run the agent, re-score, then either commit the improvement
// or restore the snapshot byte-for-byte.
func (r *run) attempt(ctx context.Context, prompt, label string) error {
	snap, err := r.e.vcs.Snapshot(ctx, r.cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("snapshot before turn: %w", err)
	}
	fingerprint, err := r.e.vcs.TreeFingerprint(r.cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("fingerprint before turn: %w", err)
	}

	if _, err := r.agentTurn(ctx, prompt, r.cfg.Preset.ImplementationCapability()); err != nil {
		if rbErr := r.rollbackTo(ctx, &snap, fingerprint, "agent turn failed"); rbErr != nil {
			return rbErr
		}
		if cErr := ctx.Err(); cErr != nil {
			if r.budgetExhausted() {
				return errBudgetExhausted
			}
			return cErr
		}
		slog.Warn("Agent turn failed, rolled back",
			"session_id", r.cfg.SessionID,
			"error", err)
		r.st.StalledCount++
		r.saveState()
		return nil
	}

	changed, err := r.e.vcs.HasChanges(ctx, r.cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("detect changes: %w", err)
	}
	if !changed {
		r.st.StalledCount++
		r.saveState()
		return nil
	}

	rescored, err := r.e.scorer.Calculate(ctx, r.cfg.Preset.Metrics)
	if err != nil {
		// Scoring infrastructure failure, not a failing metric. The
		// turn cannot be judged, so it is rejected.
		if rbErr := r.rollbackTo(ctx, &snap, fingerprint, "re-scoring failed"); rbErr != nil {
			return rbErr
		}
		if cErr := ctx.Err(); cErr != nil {
			if r.budgetExhausted() {
				return errBudgetExhausted
			}
			return cErr
		}
		slog.Warn("Re-scoring failed, rolled back",
			"session_id", r.cfg.SessionID,
			"error", err)
		r.st.StalledCount++
		r.saveState()
		return nil
	}

	delta := models.RoundTotal(rescored.Total - r.current.Total)
	if rescored.ImprovesOver(r.current, r.cfg.Preset.MinImprovementOrDefault()) {
		message := commitMessage(label, r.current.Total, rescored.Total)
		hash, err := r.e.vcs.Commit(ctx, r.cfg.WorktreePath, message)
		if err != nil {
			if rbErr := r.rollbackTo(ctx, &snap, fingerprint, "commit failed"); rbErr != nil {
				return rbErr
			}
			slog.Warn("Commit failed, rolled back",
				"session_id", r.cfg.SessionID,
				"error", err)
			r.st.StalledCount++
			r.saveState()
			return nil
		}

		r.emit(ctx, events.EventTypeCommit, events.CommitPayload{
			Type:      events.EventTypeCommit,
			Hash:      hash,
			Metric:    label,
			Previous:  r.current.Total,
			New:       rescored.Total,
			Message:   message,
			Timestamp: events.Now(),
		})
		r.emit(ctx, events.EventTypeScore, events.ScorePayload{
			Type:      events.EventTypeScore,
			Score:     rescored,
			Previous:  r.current.Total,
			Delta:     delta,
			Timestamp: events.Now(),
		})

		r.current = rescored
		r.st.Scores = append(r.st.Scores, rescored.Total)
		r.st.StalledCount = 0
		r.st.LastImprovement = r.st.Iteration
		r.res.Commits++
		r.res.CommitHashes = append(r.res.CommitHashes, hash)
		r.saveState()
		return nil
	}

	reason := "improvement below threshold"
	if delta < 0 {
		reason = "score regressed"
	}
	if err := r.rollbackTo(ctx, &snap, fingerprint, reason); err != nil {
		return err
	}
	r.st.StalledCount++
	r.saveState()
	return nil
}

// agentTurn streams one agent invocation, fanning events into the sink
// and accumulating the text transcript.
func (r *run) agentTurn(ctx context.Context, prompt string, capability *models.Capability) (string, error) {
	opts := []agent.Option{
		agent.WithWorkdir(r.cfg.WorktreePath),
		agent.WithPermissionMode(agent.PermissionBypass),
	}
	opts = append(opts, agent.CapabilityOptions(capability)...)
	opts = append(opts, r.cfg.AgentOptions...)

	stream, err := r.e.driver.Stream(ctx, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("starting agent turn: %w", err)
	}

	var transcript strings.Builder
	var turnErr error
	for ev := range stream {
		switch e := ev.(type) {
		case agent.TextEvent:
			transcript.WriteString(e.Text)
			r.emit(ctx, events.EventTypeText, events.AgentTextPayload{
				Type:      events.EventTypeText,
				Text:      e.Text,
				Timestamp: events.Now(),
			})
		case agent.ThinkingEvent:
			r.emit(ctx, events.EventTypeThinking, events.AgentTextPayload{
				Type:      events.EventTypeThinking,
				Text:      e.Text,
				Timestamp: events.Now(),
			})
		case agent.ToolStartEvent:
			r.emit(ctx, events.EventTypeToolStart, events.ToolStartPayload{
				Type:      events.EventTypeToolStart,
				ID:        e.ID,
				Name:      e.Name,
				Display:   e.Display,
				Timestamp: events.Now(),
			})
		case agent.ToolDoneEvent:
			r.emit(ctx, events.EventTypeToolDone, events.ToolDonePayload{
				Type:       events.EventTypeToolDone,
				ID:         e.ID,
				Success:    e.Success,
				Output:     e.Output,
				Error:      e.Error,
				DurationMS: e.DurationMS,
				Timestamp:  events.Now(),
			})
		case agent.SubAgentEvent:
			r.emit(ctx, e.Type(), events.SubAgentPayload{
				Type:      e.Type(),
				ID:        e.ID,
				Name:      e.Name,
				Detail:    e.Detail,
				Timestamp: events.Now(),
			})
		case agent.ErrorEvent:
			turnErr = fmt.Errorf("agent: %s", e.Message)
		case agent.CancelledEvent:
			if turnErr == nil {
				turnErr = ctx.Err()
				if turnErr == nil {
					turnErr = context.Canceled
				}
			}
		}
	}
	return transcript.String(), turnErr
}

// rollbackTo restores the pre-turn snapshot and verifies the tree came
// back byte-for-byte. Failure here poisons the whole run.
func (r *run) rollbackTo(ctx context.Context, snap *vcs.SnapshotRef, want, reason string) error {
	// Restoration must run even when the turn died to cancellation.
	restoreCtx := context.WithoutCancel(ctx)
	if err := r.e.vcs.Rollback(restoreCtx, r.cfg.WorktreePath, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	got, err := r.e.vcs.TreeFingerprint(r.cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("%w: fingerprint after restore: %v", ErrRollbackFailed, err)
	}
	if got != want {
		return fmt.Errorf("%w: tree fingerprint mismatch after restore", ErrRollbackFailed)
	}
	r.emit(restoreCtx, events.EventTypeRollback, events.RollbackPayload{
		Type:      events.EventTypeRollback,
		Reason:    reason,
		Timestamp: events.Now(),
	})
	return nil
}

// review runs the post-loop review turn and, on a redirect verdict, one
// extra improvement iteration. Review failures are advisory and never
// take down a finished loop; only a broken rollback escalates.
func (r *run) review(ctx context.Context) error {
	r.emit(ctx, events.EventTypeReviewStart, events.ReviewPayload{
		Type:      events.EventTypeReviewStart,
		Timestamp: events.Now(),
	})

	transcript, err := r.agentTurn(ctx, reviewPrompt(r.cfg.BaseCommit), r.cfg.Preset.ReviewCapability())
	if err != nil {
		slog.Warn("Review turn failed",
			"session_id", r.cfg.SessionID,
			"error", err)
		r.emit(ctx, events.EventTypeReviewComplete, events.ReviewPayload{
			Type:      events.EventTypeReviewComplete,
			Approved:  true,
			Timestamp: events.Now(),
		})
		return nil
	}

	feedback, redirected := parseRedirect(transcript)
	if !redirected {
		r.emit(ctx, events.EventTypeReviewComplete, events.ReviewPayload{
			Type:      events.EventTypeReviewComplete,
			Approved:  true,
			Timestamp: events.Now(),
		})
		return nil
	}

	r.emit(ctx, events.EventTypeReviewRedirect, events.ReviewPayload{
		Type:      events.EventTypeReviewRedirect,
		Feedback:  feedback,
		Timestamp: events.Now(),
	})
	r.redirect = feedback
	if err := r.iterate(ctx); err != nil {
		if errors.Is(err, errBudgetExhausted) {
			return nil
		}
		return err
	}
	return nil
}

// finish runs the optional review pass and emits the terminal result.
func (r *run) finish(ctx context.Context, success bool, reason string) (Result, error) {
	r.res.Success = success
	r.res.Reason = reason

	if success && r.res.Commits > 0 && r.cfg.Preset.ReviewCapability() != nil {
		if err := r.review(ctx); err != nil {
			if errors.Is(err, ErrRollbackFailed) {
				return r.fail(ctx, events.ReasonRollbackFault, err)
			}
			return r.res, err
		}
	}

	r.res.FinalScore = r.current
	r.emit(context.WithoutCancel(ctx), events.EventTypeResult, r.resultPayload())
	return r.res, nil
}

// fail emits the fatal error plus a failed result, then surfaces the
// failure to the caller.
func (r *run) fail(ctx context.Context, reason string, failure error) (Result, error) {
	emitCtx := context.WithoutCancel(ctx)
	r.emit(emitCtx, events.EventTypeError, events.ErrorPayload{
		Type:      events.EventTypeError,
		Message:   failure.Error(),
		Fatal:     true,
		Timestamp: events.Now(),
	})
	r.res.Success = false
	r.res.Reason = reason
	r.res.FinalScore = r.current
	r.emit(emitCtx, events.EventTypeResult, r.resultPayload())
	return r.res, failure
}

// terminateOnError maps an iteration error to its termination path.
func (r *run) terminateOnError(ctx context.Context, err error) (Result, error) {
	switch {
	case errors.Is(err, errBudgetExhausted):
		return r.finish(ctx, true, events.ReasonMaxDuration)
	case errors.Is(err, ErrRollbackFailed):
		return r.fail(ctx, events.ReasonRollbackFault, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The supervisor owns the aborted event.
		return r.res, err
	default:
		// Version-control infrastructure failed; turns can no longer be
		// judged or restored safely.
		return r.fail(ctx, events.ReasonVCSFault, err)
	}
}

func (r *run) budgetExhausted() bool {
	return !r.deadline.IsZero() && !r.e.now().Before(r.deadline)
}

func (r *run) resultPayload() events.ResultPayload {
	p := events.ResultPayload{
		Type:         events.EventTypeResult,
		Success:      r.res.Success,
		Reason:       r.res.Reason,
		InitialScore: r.res.InitialScore.Total,
		FinalScore:   r.res.FinalScore.Total,
		Iterations:   r.res.Iterations,
		Commits:      r.res.Commits,
		Timestamp:    events.Now(),
	}
	if r.res.Commits > 0 {
		p.Branch = r.cfg.BranchName
	}
	return p
}

func (r *run) emit(ctx context.Context, eventType string, payload any) {
	if r.e.sink == nil {
		return
	}
	if err := r.e.sink.Emit(ctx, eventType, payload); err != nil {
		slog.Warn("Failed to emit loop event",
			"event_type", eventType,
			"error", err)
	}
}

func (r *run) saveState() {
	r.st.LastUpdated = r.e.now().UTC()
	if err := SaveState(r.statePath, r.st); err != nil {
		slog.Warn("Failed to write state file",
			"path", r.statePath,
			"error", err)
	}
}

func commitMessage(metric string, prev, next float64) string {
	return fmt.Sprintf("polish(%s): %.1f → %.1f", metric, prev, next)
}
