package vcs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Worktree describes an isolated checkout created for one session.
type Worktree struct {
	Path       string
	BaseBranch string
	BaseCommit string
}

// worktreeSlug is the deterministic per-session prefix of a worktree
// directory name. The ULID suffix keeps concurrent retries collision-free.
func worktreeSlug(sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "polish-" + id
}

// CreateWorktree materialises an isolated detached-HEAD checkout of repo in
// the scratch directory. Any stale worktree left behind for the same
// session (crash recovery) is removed first.
func (g *Git) CreateWorktree(ctx context.Context, repoPath, baseBranch, sessionID string) (Worktree, error) {
	slug := worktreeSlug(sessionID)

	stale, err := g.listWorktrees(ctx, repoPath)
	if err != nil {
		return Worktree{}, fmt.Errorf("list worktrees: %w", err)
	}
	for _, wt := range stale {
		if strings.HasPrefix(filepath.Base(wt.Path), slug+"-") {
			if err := g.RemoveWorktree(ctx, repoPath, wt.Path); err != nil {
				return Worktree{}, fmt.Errorf("remove stale worktree %s: %w", wt.Path, err)
			}
		}
	}

	if baseBranch == "" {
		baseBranch, err = g.CurrentBranch(ctx, repoPath)
		if err != nil {
			return Worktree{}, err
		}
	}

	dir := filepath.Join(g.scratchDir, fmt.Sprintf("%s-%s", slug, ulid.Make().String()))
	ref := baseBranch
	if ref == "" {
		ref = "HEAD"
	}
	if _, _, err := g.run(ctx, repoPath, nil, "worktree", "add", "--detach", dir, ref); err != nil {
		return Worktree{}, fmt.Errorf("add worktree: %w", err)
	}

	baseCommit, err := g.HeadSHA(ctx, dir)
	if err != nil {
		_ = g.RemoveWorktree(ctx, repoPath, dir)
		return Worktree{}, err
	}

	return Worktree{Path: dir, BaseBranch: baseBranch, BaseCommit: baseCommit}, nil
}

// RemoveWorktree releases a worktree. Force-removal first, then a manual
// delete plus prune for trees git already lost track of.
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	_, _, err := g.run(ctx, repoPath, nil, "worktree", "remove", "--force", worktreePath)
	if err == nil {
		return nil
	}
	if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
		return fmt.Errorf("remove worktree dir: %w (git: %v)", rmErr, err)
	}
	_, _, _ = g.run(ctx, repoPath, nil, "worktree", "prune")
	return nil
}

// BranchFromWorktree names the worktree's current tip, returning the
// commit it points at. The worktree itself stays detached. An existing
// branch is re-pointed, which is what retry runs rely on.
func (g *Git) BranchFromWorktree(ctx context.Context, worktreePath, name string) (string, error) {
	if _, _, err := g.run(ctx, worktreePath, nil, "branch", "-f", name, "HEAD"); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx, worktreePath)
}

// listedWorktree is one block of `worktree list --porcelain` output.
type listedWorktree struct {
	Path     string
	Head     string
	Branch   string
	Detached bool
}

func (g *Git) listWorktrees(ctx context.Context, repoPath string) ([]listedWorktree, error) {
	out, _, err := g.run(ctx, repoPath, nil, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses porcelain output: blank-line-separated blocks of
// "worktree <path>", "HEAD <sha>", and "branch <ref>" or "detached" lines.
func parseWorktreeList(out string) []listedWorktree {
	var result []listedWorktree
	var current *listedWorktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				result = append(result, *current)
			}
			current = &listedWorktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			current.Detached = true
		}
	}
	if current != nil {
		result = append(result, *current)
	}
	return result
}

// PruneScratch removes session worktree directories in the scratch dir
// whose last modification predates maxAge. The executor releases its
// worktree on every exit path, so anything this old was abandoned by a
// crashed worker. Returns the number of directories removed.
func (g *Git) PruneScratch(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(g.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "polish-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(g.scratchDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove abandoned worktree %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

const branchNameAttempts = 5

// GeneratePolishBranchName returns polish/YYYY-MM-DD-<6hex>. Uniqueness is
// probabilistic; EnsureUniqueBranchName re-randomises on collision.
func GeneratePolishBranchName(now time.Time) string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("polish/%s-%s", now.Format("2006-01-02"), hex.EncodeToString(buf))
}

// EnsureUniqueBranchName generates a polish branch name not currently used
// in the repository, re-randomising on repeated collisions.
func (g *Git) EnsureUniqueBranchName(ctx context.Context, repoPath string, now time.Time) (string, error) {
	var name string
	for i := 0; i < branchNameAttempts; i++ {
		name = GeneratePolishBranchName(now)
		if !g.branchExists(ctx, repoPath, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no unique polish branch name after %d attempts (last tried %s)", branchNameAttempts, name)
}

func (g *Git) branchExists(ctx context.Context, repoPath, name string) bool {
	_, _, err := g.run(ctx, repoPath, nil, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}
