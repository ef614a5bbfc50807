// Package api is the HTTP façade of server mode: a thin gin adapter over
// the session service, the durable event publisher, and the SSE
// connection manager. No auth, no UI serving.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/models"
	"github.com/codeready-toolchain/polish/pkg/queue"
	"github.com/codeready-toolchain/polish/pkg/services"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

// SessionStore is the slice of the session service the handlers consume.
type SessionStore interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error)
	AbortSession(ctx context.Context, sessionID string) (*models.Session, error)
	RetrySession(ctx context.Context, sessionID, feedback string) (*models.Session, error)
	ApprovePlan(ctx context.Context, sessionID, approachID string) (*models.Plan, error)
	RejectPlan(ctx context.Context, sessionID, feedback string) error
	EnsurePlanDialogueOpen(ctx context.Context, sessionID string) error
}

// EventPublisher persists and broadcasts session events.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload any) error
	PublishStatus(ctx context.Context, sessionID string, payload events.StatusPayload) error
}

// EventSubscriber attaches SSE subscribers to event channels.
type EventSubscriber interface {
	Subscribe(ctx context.Context, channel string, lastEventID int64) (*events.Subscription, error)
}

// WorkerPool is the queue surface the API touches: local cancellation
// and health reporting. Nil when the API runs without a pool (tests).
type WorkerPool interface {
	CancelSession(sessionID string) bool
	Health() *queue.PoolHealth
}

// ChangeLister reads branch changes out of a local repository.
// Implemented by *vcs.Git.
type ChangeLister interface {
	BranchChangedFiles(ctx context.Context, dir, branch, base string, includeUncommitted bool) (vcs.ChangedFiles, error)
	FileDiff(ctx context.Context, dir, base, path string) (string, error)
}

// Server wires the REST and SSE endpoints.
type Server struct {
	sessions   SessionStore
	publisher  EventPublisher
	subscriber EventSubscriber
	pool       WorkerPool
	git        ChangeLister
	warnings   *services.SystemWarningsService
	db         *sql.DB

	httpServer *http.Server
}

// NewServer creates the API server. pool, git, warnings, and db are
// optional; the corresponding endpoints degrade gracefully without them.
func NewServer(sessions SessionStore, publisher EventPublisher, subscriber EventSubscriber, pool WorkerPool, git ChangeLister, warnings *services.SystemWarningsService, db *sql.DB) *Server {
	return &Server{
		sessions:   sessions,
		publisher:  publisher,
		subscriber: subscriber,
		pool:       pool,
		git:        git,
		warnings:   warnings,
		db:         db,
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.Health)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", s.CreateSession)
			sessions.GET("", s.ListSessions)
			sessions.GET("/:id", s.GetSession)
			sessions.GET("/:id/events", s.StreamEvents)
			sessions.POST("/:id/approve", s.ApprovePlan)
			sessions.POST("/:id/reject", s.RejectPlan)
			sessions.POST("/:id/message", s.PostPlanMessage)
			sessions.POST("/:id/abort", s.AbortSession)
			sessions.POST("/:id/retry", s.RetrySession)
			sessions.GET("/:id/files", s.ChangedFiles)
			sessions.GET("/:id/diff", s.FileDiff)
		}
	}

	return r
}

// Start runs the HTTP server until Shutdown is called or listening fails.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
