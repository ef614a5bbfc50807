package vcs

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SnapshotRef is a disposable ref preserving working-tree state: a dangling
// commit reachable by hash only. No branch pointer moves when taking one.
type SnapshotRef struct {
	Commit string
	Tree   string
}

// snapshotIdentity makes commit-tree deterministic where the host has no
// git identity configured. The snapshot commit is throwaway plumbing, so a
// fixed identity is fine even when user config exists.
var snapshotIdentity = []string{
	"GIT_AUTHOR_NAME=polish",
	"GIT_AUTHOR_EMAIL=polish@local",
	"GIT_COMMITTER_NAME=polish",
	"GIT_COMMITTER_EMAIL=polish@local",
}

// Snapshot captures the current working tree (tracked and untracked,
// ignored files excluded) as a dangling commit without touching the real
// index, the working tree, or any branch pointer.
//
// Mechanism: stage everything into a throwaway index file, write-tree it,
// then commit-tree the result with HEAD as parent.
func (g *Git) Snapshot(ctx context.Context, dir string) (SnapshotRef, error) {
	tmp, err := os.CreateTemp("", "polish-index-*")
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("create snapshot index: %w", err)
	}
	indexPath := tmp.Name()
	_ = tmp.Close()
	// git add wants to create the index itself; hand it the path only.
	_ = os.Remove(indexPath)
	defer os.Remove(indexPath)

	indexEnv := []string{"GIT_INDEX_FILE=" + indexPath}

	if _, _, err := g.run(ctx, dir, indexEnv, "add", "-A"); err != nil {
		return SnapshotRef{}, fmt.Errorf("stage snapshot: %w", err)
	}

	treeOut, _, err := g.run(ctx, dir, indexEnv, "write-tree")
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("write snapshot tree: %w", err)
	}
	tree := strings.TrimSpace(treeOut)

	head, err := g.HeadSHA(ctx, dir)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("resolve HEAD for snapshot: %w", err)
	}

	commitOut, _, err := g.run(ctx, dir, snapshotIdentity,
		"commit-tree", tree, "-p", head, "-m", "polish snapshot")
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("commit snapshot tree: %w", err)
	}

	return SnapshotRef{Commit: strings.TrimSpace(commitOut), Tree: tree}, nil
}

// Rollback discards all working-tree changes. With a snapshot ref the tree
// is restored byte-for-byte to the snapshot's content; without one it is
// restored to HEAD. HEAD itself never moves.
func (g *Git) Rollback(ctx context.Context, dir string, ref *SnapshotRef) error {
	if ref == nil || ref.Commit == "" {
		if _, _, err := g.run(ctx, dir, nil, "reset", "--hard", "HEAD"); err != nil {
			return fmt.Errorf("reset to HEAD: %w", err)
		}
		if _, _, err := g.run(ctx, dir, nil, "clean", "-fdq"); err != nil {
			return fmt.Errorf("clean untracked: %w", err)
		}
		return nil
	}

	// Set the index to the snapshot tree, materialise every index entry
	// into the working tree, then delete whatever the index does not know
	// about. Files tracked at HEAD but absent in the snapshot fall out in
	// the clean step.
	if _, _, err := g.run(ctx, dir, nil, "read-tree", ref.Commit); err != nil {
		return fmt.Errorf("read snapshot tree: %w", err)
	}
	if _, _, err := g.run(ctx, dir, nil, "checkout-index", "-f", "-a"); err != nil {
		return fmt.Errorf("restore snapshot files: %w", err)
	}
	if _, _, err := g.run(ctx, dir, nil, "clean", "-fdq"); err != nil {
		return fmt.Errorf("clean untracked: %w", err)
	}
	return nil
}
