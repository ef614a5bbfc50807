package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StateDirName is the engine's scratch directory inside the tree being
// polished.
const StateDirName = ".polish"

// StateFileName is the session-state file inside StateDirName.
const StateFileName = "state.json"

// State is the loop's persisted progress, written after every scoring
// pass so external observers (the stop hook, `polish score`) can see
// where the session stands.
type State struct {
	Iteration int `json:"iteration"`

	// Scores holds the accepted totals in order: the initial score
	// followed by one entry per committed improvement.
	Scores []float64 `json:"scores"`

	// LastImprovement is the iteration number of the last commit.
	LastImprovement int `json:"lastImprovement"`

	StalledCount int    `json:"stalledCount"`
	WorktreePath string `json:"worktreePath,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// CurrentTotal returns the latest accepted total, or 0 with no scores.
func (s State) CurrentTotal() float64 {
	if len(s.Scores) == 0 {
		return 0
	}
	return s.Scores[len(s.Scores)-1]
}

// DefaultStatePath returns the canonical state-file location for a tree.
func DefaultStatePath(dir string) string {
	return filepath.Join(dir, StateDirName, StateFileName)
}

// SaveState writes the state file, creating its directory when needed.
// A .polish directory is made self-ignoring so snapshots, commits, and
// change detection never see engine droppings.
func SaveState(path string, st State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if filepath.Base(dir) == StateDirName {
		if err := ensureSelfIgnore(dir); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	// Write-then-rename keeps concurrent readers off half-written files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// LoadState reads the state file. A missing file is reported via
// fs.ErrNotExist.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", path, err)
	}
	return st, nil
}

// ResetState deletes the state file. Absence is not an error.
func ResetState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

func ensureSelfIgnore(dir string) error {
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	}
	if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
		return fmt.Errorf("write state dir ignore: %w", err)
	}
	return nil
}
