// Package vcs is the version-control adapter for the polish engine. It
// wraps the git CLI: worktree isolation, working-tree snapshots with
// rollback, commits, branch naming, and change listing.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GitError carries the full context of a failed git invocation.
type GitError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// Git executes version-control operations against local repositories.
type Git struct {
	scratchDir string
	excludes   []string
}

// Option configures a Git adapter.
type Option func(*Git)

// WithScratchDir sets the base directory for session worktrees.
// Default is os.TempDir().
func WithScratchDir(dir string) Option {
	return func(g *Git) { g.scratchDir = dir }
}

// WithExcludes sets doublestar glob patterns whose matches are ignored by
// HasChanges and TreeFingerprint (engine droppings like .polish/** must
// never count as pending changes).
func WithExcludes(patterns []string) Option {
	return func(g *Git) { g.excludes = patterns }
}

// New returns a Git adapter with options applied.
func New(opts ...Option) *Git {
	g := &Git{scratchDir: os.TempDir()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// run invokes git in dir. Background auto-maintenance is disabled so
// frequent snapshot and commit cycles stay deterministic and never spawn
// long-running helper processes.
func (g *Git) run(ctx context.Context, dir string, env []string, args ...string) (string, string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &GitError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether dir is inside a git working tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, _, err := g.run(ctx, dir, nil, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch name, or "" for a detached
// HEAD.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, _, err := g.run(ctx, dir, nil, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the full commit hash of HEAD.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := g.run(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree has any tracked or untracked
// changes, ignoring paths matched by the configured exclude globs.
func (g *Git) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, _, err := g.run(ctx, dir, nil, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		if !g.excluded(porcelainPath(line)) {
			return true, nil
		}
	}
	return false, nil
}

// porcelainPath extracts the path from one `status --porcelain` line,
// taking the new name for renames and stripping git's quoting.
func porcelainPath(line string) string {
	path := line[3:]
	if i := strings.Index(path, " -> "); i >= 0 {
		path = path[i+4:]
	}
	return strings.Trim(path, `"`)
}

func (g *Git) excluded(path string) bool {
	for _, pattern := range g.excludes {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Commit stages all changes and records one commit, returning the short
// hash. Precondition: the working tree has changes. When the host has no
// git identity configured the commit is retried once with a fallback
// identity, without mutating repo config.
func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, _, err := g.run(ctx, dir, nil, "add", "-A"); err != nil {
		return "", err
	}
	_, _, err := g.run(ctx, dir, nil, "commit", "-m", message)
	if err != nil {
		if isMissingIdentity(err) {
			_, _, err = g.run(ctx, dir, nil,
				"-c", "user.name=polish",
				"-c", "user.email=polish@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	out, _, err := g.run(ctx, dir, nil, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func isMissingIdentity(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

// defaultBaseBranch resolves the branch diffs compare against: the
// remote HEAD when known, else main, else master, else the current branch.
func (g *Git) defaultBaseBranch(ctx context.Context, dir string) string {
	out, _, err := g.run(ctx, dir, nil, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	}
	for _, candidate := range []string{"main", "master"} {
		if _, _, err := g.run(ctx, dir, nil, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate
		}
	}
	branch, _ := g.CurrentBranch(ctx, dir)
	return branch
}
