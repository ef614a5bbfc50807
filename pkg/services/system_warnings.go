package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Categories of non-fatal operational problems surfaced on /health.
const (
	WarningCategoryAgentCLI      = "agent_cli"      // agent CLI missing or not executable
	WarningCategoryGitBinary     = "git_binary"     // git missing from PATH
	WarningCategoryEventListener = "event_listener" // NOTIFY listener lost its connection
	WarningCategoryWebhook       = "webhook"        // result webhook delivery failing
	WarningCategoryScratchDir    = "scratch_dir"    // worktree scratch dir unusable
)

// SystemWarning is one active operational problem. Warnings live in
// memory only; after a restart the subsystems re-report anything still
// wrong.
type SystemWarning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Source    string    `json:"source,omitempty"` // subsystem key, e.g. a URL or channel
	CreatedAt time.Time `json:"created_at"`
}

// SystemWarningsService collects warnings from subsystems that keep
// running while degraded. At most one warning is active per
// category+source pair: re-reporting the same problem refreshes it in
// place, and a recovered subsystem retracts it.
type SystemWarningsService struct {
	mu     sync.RWMutex
	active map[warningKey]*SystemWarning
}

type warningKey struct {
	category string
	source   string
}

// NewSystemWarningsService returns an empty warnings registry.
func NewSystemWarningsService() *SystemWarningsService {
	return &SystemWarningsService{active: make(map[warningKey]*SystemWarning)}
}

// AddWarning records or refreshes the warning for category+source and
// returns its id.
func (s *SystemWarningsService) AddWarning(category, message, details, source string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &SystemWarning{
		ID:        uuid.New().String(),
		Category:  category,
		Message:   message,
		Details:   details,
		Source:    source,
		CreatedAt: time.Now(),
	}
	s.active[warningKey{category, source}] = w
	return w.ID
}

// GetWarnings returns value copies of the active warnings, safe to read
// without holding the service lock.
func (s *SystemWarningsService) GetWarnings() []*SystemWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SystemWarning, 0, len(s.active))
	for _, w := range s.active {
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// ClearBySource retracts the warning for category+source, reporting
// whether one was active. Recovery paths call this once the subsystem
// is healthy again.
func (s *SystemWarningsService) ClearBySource(category, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := warningKey{category, source}
	if _, ok := s.active[key]; !ok {
		return false
	}
	delete(s.active, key)
	return true
}
