// Package cleanup bounds the server's durable and scratch state: old
// terminal sessions are soft-deleted, event rows orphaned by those
// deletions are purged, and worktrees abandoned by crashed workers are
// reclaimed from the scratch directory.
package cleanup

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/services"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

// startJitter staggers the first sweep so restarting replicas do not
// hit the database at the same instant.
const startJitter = time.Minute

// Service runs the retention sweeps on a fixed interval. Every sweep is
// idempotent, so overlapping replicas only waste a query.
type Service struct {
	cfg      *config.RetentionConfig
	sessions *services.SessionService
	events   *services.EventService
	git      *vcs.Git

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the sweeper. scratchDir is the worktree parent
// directory; empty disables the worktree sweep (CLI runs polish the
// project in place and leave nothing behind).
func NewService(cfg *config.RetentionConfig, sessions *services.SessionService, events *services.EventService, scratchDir string) *Service {
	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		events:   events,
	}
	if scratchDir != "" {
		s.git = vcs.New(vcs.WithScratchDir(scratchDir))
	}
	return s
}

// Start launches the sweep loop. Calling Start on a running service is
// a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx)

	slog.Info("Retention sweeper started",
		"session_retention_days", s.cfg.SessionRetentionDays,
		"event_ttl", s.cfg.EventTTL,
		"worktree_retention", s.cfg.WorktreeRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop ends the loop and waits for an in-flight sweep to finish its
// current step.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(startJitter)))):
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep runs one pass. Sessions go first: soft-deleting them is what
// orphans their event rows, so the event purge in the same pass already
// sees them.
func (s *Service) sweep(ctx context.Context) {
	// Writes started before Stop are allowed to finish.
	ctx = context.WithoutCancel(ctx)

	if n, err := s.sessions.SoftDeleteOldSessions(ctx, s.cfg.SessionRetentionDays); err != nil {
		slog.Error("Retention: session sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("Retention: soft-deleted old sessions", "count", n)
	}

	if n, err := s.events.CleanupOrphanedEvents(ctx, s.cfg.EventTTL); err != nil {
		slog.Error("Retention: event sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("Retention: purged orphaned events", "count", n)
	}

	s.sweepWorktrees()
}

func (s *Service) sweepWorktrees() {
	if s.git == nil {
		return
	}
	n, err := s.git.PruneScratch(s.cfg.WorktreeRetention)
	if err != nil {
		slog.Error("Retention: worktree sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Retention: reclaimed abandoned worktrees", "count", n)
	}
}
