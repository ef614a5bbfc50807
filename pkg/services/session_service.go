package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/models"
)

// sessionColumns is the canonical select list; scanSession depends on
// this exact order.
const sessionColumns = `id, project_path, repo_url, mission, preset_path, branch_name, status,
	enable_planning, initial_score, final_score, commits, retry_count,
	approved_plan, capability_ids, error_message, worker_id, cancel_requested,
	created_at, started_at, completed_at, last_interaction_at, deleted_at`

// eventTypePlan is the wire name of plan proposal events; ApprovePlan
// resolves approach ids against the durable rows of this type.
const eventTypePlan = "plan"

// SessionService manages polish session lifecycle
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess          models.Session
		approvedPlan  []byte
		capabilityIDs []byte
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		lastSeenAt    sql.NullTime
		deletedAt     sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.ProjectPath, &sess.RepoURL, &sess.Mission, &sess.PresetPath,
		&sess.BranchName, &sess.Status, &sess.EnablePlanning, &sess.InitialScore,
		&sess.FinalScore, &sess.Commits, &sess.RetryCount, &approvedPlan,
		&capabilityIDs, &sess.ErrorMessage, &sess.WorkerID, &sess.CancelRequested,
		&sess.CreatedAt, &startedAt, &completedAt, &lastSeenAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(approvedPlan) > 0 {
		var plan models.Plan
		if err := json.Unmarshal(approvedPlan, &plan); err != nil {
			return nil, fmt.Errorf("failed to decode approved_plan: %w", err)
		}
		sess.ApprovedPlan = &plan
	}
	if len(capabilityIDs) > 0 {
		if err := json.Unmarshal(capabilityIDs, &sess.CapabilityIDs); err != nil {
			return nil, fmt.Errorf("failed to decode capability_ids: %w", err)
		}
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if lastSeenAt.Valid {
		sess.LastInteractionAt = &lastSeenAt.Time
	}
	if deletedAt.Valid {
		sess.DeletedAt = &deletedAt.Time
	}
	return &sess, nil
}

// CreateSession validates the request and enqueues a new pending session.
// Validation failures keep the session out of the queue entirely: nothing
// is inserted unless the target and its preset resolve.
func (s *SessionService) CreateSession(httpCtx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	// Validate input
	if req.ProjectPath == "" && req.RepoURL == "" {
		return nil, NewValidationError("project_path", "one of project_path or repo_url is required")
	}
	if req.ProjectPath != "" && req.RepoURL != "" {
		return nil, NewValidationError("project_path", "project_path and repo_url are mutually exclusive")
	}
	if req.ProjectPath != "" {
		if !filepath.IsAbs(req.ProjectPath) {
			return nil, NewValidationError("project_path", "must be an absolute path")
		}
		info, err := os.Stat(req.ProjectPath)
		if err != nil || !info.IsDir() {
			return nil, NewValidationError("project_path", "directory does not exist")
		}
		if err := validatePreset(req.ProjectPath, req.PresetPath); err != nil {
			return nil, err
		}
	}
	if req.RepoURL != "" && !isGitURL(req.RepoURL) {
		return nil, NewValidationError("repo_url", "must be an https, ssh or git@ URL")
	}

	var capabilityIDs []byte
	if len(req.CapabilityIDs) > 0 {
		var err error
		capabilityIDs, err = json.Marshal(req.CapabilityIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal capability_ids: %w", err)
		}
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO sessions (id, project_path, repo_url, mission, preset_path, enable_planning, capability_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING %s`, sessionColumns)

	sess, err := scanSession(s.db.QueryRowContext(ctx, query,
		uuid.New().String(), req.ProjectPath, req.RepoURL, req.Mission,
		req.PresetPath, req.EnablePlanning, capabilityIDs))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

// validatePreset resolves the preset the session will run with. A broken
// preset must fail the create call, not the first worker that claims it.
func validatePreset(projectDir, presetPath string) error {
	if presetPath != "" {
		path := presetPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, path)
		}
		if _, err := config.ReadPresetFile(path); err != nil {
			return NewValidationError("preset_path", err.Error())
		}
		return nil
	}
	if _, _, err := config.LoadPreset(projectDir); err != nil {
		return NewValidationError("preset", err.Error())
	}
	return nil
}

func isGitURL(url string) bool {
	return strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "ssh://") ||
		strings.HasPrefix(url, "git@")
}

// GetSession retrieves a session by ID
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a filtered, paginated session list, newest first.
func (s *SessionService) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	var conds []string
	var args []any

	if filters.Status != "" {
		if !models.Status(filters.Status).Valid() {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", filters.Status))
		}
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filters.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM sessions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		sessionColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateSessionStatus moves a session through the state machine, rejecting
// illegal transitions. started_at is set once on entering running;
// completed_at is set on any terminal status.
func (s *SessionService) UpdateSessionStatus(httpCtx context.Context, sessionID string, newStatus models.Status) error {
	if !newStatus.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", newStatus))
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockSessionStatus(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !models.CanTransition(current, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	query := `UPDATE sessions SET status = $2, last_interaction_at = now()`
	if newStatus == models.StatusRunning {
		query += `, started_at = COALESCE(started_at, now())`
	}
	if newStatus.IsTerminal() {
		query += `, completed_at = now()`
	}
	query += ` WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, sessionID, newStatus); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinishSession records the terminal outcome of a run in one transition.
func (s *SessionService) FinishSession(httpCtx context.Context, sessionID string, status models.Status, finalScore float64, commits int, errorMessage string) error {
	if !status.IsTerminal() {
		return NewValidationError("status", fmt.Sprintf("%q is not a terminal status", status))
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockSessionStatus(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !models.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, final_score = $3, commits = $4, error_message = $5,
		    completed_at = now(), last_interaction_at = now()
		WHERE id = $1`,
		sessionID, status, finalScore, commits, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetInitialScore records the baseline measured before the first iteration.
func (s *SessionService) SetInitialScore(httpCtx context.Context, sessionID string, score float64) error {
	return s.setField(sessionID, `initial_score`, score)
}

// SetBranchName records the branch assigned on worktree creation.
func (s *SessionService) SetBranchName(httpCtx context.Context, sessionID string, branch string) error {
	return s.setField(sessionID, `branch_name`, branch)
}

// setField updates a single worker-owned column and refreshes the
// heartbeat timestamp.
func (s *SessionService) setField(sessionID, column string, value any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := fmt.Sprintf(`UPDATE sessions SET %s = $2, last_interaction_at = now() WHERE id = $1`, column)
	res, err := s.db.ExecContext(ctx, query, sessionID, value)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextPendingSession atomically assigns the oldest pending session to
// a worker. Returns (nil, nil) when nothing is pending. Concurrent workers
// skip rows locked by each other instead of queueing on them.
func (s *SessionService) ClaimNextPendingSession(ctx context.Context, workerID string) (*models.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET worker_id = $1, last_interaction_at = now()
		WHERE id = (
			SELECT id FROM sessions
			WHERE status = 'pending' AND worker_id = '' AND NOT cancel_requested AND deleted_at IS NULL
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, sessionColumns)

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	return sess, nil
}

// Heartbeat refreshes the claim on a session. ErrNotFound means the
// worker no longer owns it.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_interaction_at = now()
		WHERE id = $1 AND worker_id = $2 AND deleted_at IS NULL`, sessionID, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reports whether an abort has been requested for the
// session. Executors poll this alongside their local cancel registry so
// aborts reach sessions owned by other replicas.
func (s *SessionService) CancelRequested(ctx context.Context, sessionID string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM sessions WHERE id = $1`, sessionID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag, nil
}

// AbortSession requests cancellation. Aborting a terminal session is a
// no-op; aborting an unclaimed pending session cancels it directly since
// no worker will ever pick it up. Repeated calls are indistinguishable
// from a single one.
func (s *SessionService) AbortSession(httpCtx context.Context, sessionID string) (*models.Session, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	sess, err := scanSession(tx.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	switch {
	case sess.Status.IsTerminal():
		// Nothing to do; a cancelled session never mutates further.
		return sess, nil
	case sess.Status == models.StatusPending && sess.WorkerID == "":
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET status = $2, cancel_requested = TRUE, completed_at = now()
			WHERE id = $1`, sessionID, models.StatusCancelled)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET cancel_requested = TRUE WHERE id = $1`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to abort session: %w", err)
	}

	sess, err = scanSession(tx.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sess, nil
}

// ApprovePlan selects one of the proposed approaches and stores it as the
// approved plan. The session must be awaiting approval; the approach id
// is resolved against the session's durable plan events.
func (s *SessionService) ApprovePlan(httpCtx context.Context, sessionID, approachID string) (*models.Plan, error) {
	if approachID == "" {
		return nil, NewValidationError("approach_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockSessionStatus(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if current != models.StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: session is %s, expected awaiting_approval", ErrInvalidState, current)
	}

	plan, err := findProposedPlan(ctx, tx, sessionID, approachID)
	if err != nil {
		return nil, err
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approved plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET approved_plan = $2 WHERE id = $1`, sessionID, planJSON); err != nil {
		return nil, fmt.Errorf("failed to store approved plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return plan, nil
}

// RejectPlan records a rejection verdict. With feedback the planner runs
// again; without feedback the session is cancelled via the abort flag.
func (s *SessionService) RejectPlan(httpCtx context.Context, sessionID, feedback string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockSessionStatus(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if current != models.StatusAwaitingApproval {
		return fmt.Errorf("%w: session is %s, expected awaiting_approval", ErrInvalidState, current)
	}

	if feedback == "" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET cancel_requested = TRUE WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to reject plan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnsurePlanDialogueOpen verifies the session accepts planning messages.
// User messages are only legal while the planner is actually running.
func (s *SessionService) EnsurePlanDialogueOpen(ctx context.Context, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusPlanning {
		return fmt.Errorf("%w: session is %s, expected planning", ErrInvalidState, sess.Status)
	}
	return nil
}

// RetrySession requeues a finished session. The surviving branch is kept
// so the new run continues where the previous one stopped, and the
// feedback is folded into the mission for the next prompt.
func (s *SessionService) RetrySession(httpCtx context.Context, sessionID, feedback string) (*models.Session, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockSessionStatus(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if current != models.StatusCompleted && current != models.StatusFailed {
		return nil, fmt.Errorf("%w: session is %s, expected completed or failed", ErrInvalidState, current)
	}

	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'pending',
		    mission = CASE WHEN $2 <> '' THEN mission || E'\n\nRetry feedback: ' || $2 ELSE mission END,
		    retry_count = retry_count + 1,
		    worker_id = '',
		    cancel_requested = FALSE,
		    error_message = '',
		    final_score = 0,
		    completed_at = NULL
		WHERE id = $1
		RETURNING %s`, sessionColumns)

	sess, err := scanSession(tx.QueryRowContext(ctx, query, sessionID, feedback))
	if err != nil {
		return nil, fmt.Errorf("failed to retry session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sess, nil
}

// FindOrphanedSessions returns claimed, non-terminal sessions whose worker
// heartbeat is older than the threshold.
func (s *SessionService) FindOrphanedSessions(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	cutoff := time.Now().Add(-threshold)

	query := fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE worker_id <> ''
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND deleted_at IS NULL
		  AND last_interaction_at < $1
		ORDER BY last_interaction_at`, sessionColumns)

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// FindWorkerSessions returns claimed, non-terminal sessions whose worker
// id starts with the given prefix. The pool uses it at startup to recover
// sessions its previous incarnation was processing when it crashed.
func (s *SessionService) FindWorkerSessions(ctx context.Context, workerPrefix string) ([]*models.Session, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE worker_id LIKE $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND deleted_at IS NULL
		ORDER BY created_at`, sessionColumns)

	rows, err := s.db.QueryContext(ctx, query, likePrefix(workerPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to find worker sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// CountLiveSessions returns the number of claimed sessions that have not
// reached a terminal state. A non-empty workerPrefix narrows the count to
// one pod's workers; empty counts across all pods.
func (s *SessionService) CountLiveSessions(ctx context.Context, workerPrefix string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE worker_id <> ''
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND deleted_at IS NULL`
	args := []any{}
	if workerPrefix != "" {
		query += ` AND worker_id LIKE $1`
		args = append(args, likePrefix(workerPrefix))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count live sessions: %w", err)
	}
	return count, nil
}

// PendingSessionCount returns the number of claimable sessions, the same
// predicate the claim query uses.
func (s *SessionService) PendingSessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE status = 'pending'
		  AND worker_id = ''
		  AND cancel_requested = FALSE
		  AND deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending sessions: %w", err)
	}
	return count, nil
}

// likePrefix escapes LIKE metacharacters so a prefix matches literally.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// SoftDeleteOldSessions marks sessions finished before the retention
// window as deleted. Their event rows stay until the orphaned-event
// cleanup removes them.
func (s *SessionService) SoftDeleteOldSessions(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE sessions SET deleted_at = now()
		WHERE completed_at < $1 AND deleted_at IS NULL`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete sessions: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count soft deleted sessions: %w", err)
	}
	return int(count), nil
}

// lockSessionStatus reads a session's status under FOR UPDATE so the
// caller's transition decision cannot race a concurrent writer.
func lockSessionStatus(ctx context.Context, tx *sql.Tx, sessionID string) (models.Status, error) {
	var current models.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session status: %w", err)
	}
	return current, nil
}

// findProposedPlan scans the session's plan events newest first for the
// given approach id.
func findProposedPlan(ctx context.Context, tx *sql.Tx, sessionID, approachID string) (*models.Plan, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT payload FROM events
		WHERE session_id = $1 AND type = $2
		ORDER BY id DESC`, sessionID, eventTypePlan)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan plan event: %w", err)
		}
		var proposal struct {
			Plan models.Plan `json:"plan"`
		}
		if err := json.Unmarshal(payload, &proposal); err != nil {
			continue
		}
		if proposal.Plan.ID == approachID {
			return &proposal.Plan, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan events: %w", err)
	}
	return nil, NewValidationError("approach_id", fmt.Sprintf("no proposed approach %q", approachID))
}
