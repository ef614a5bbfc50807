package vcs

import (
	"context"
	"fmt"
	"strings"
)

// ChangedFiles lists the files a branch changed relative to base. With
// includeUncommitted, pending working-tree changes are merged in. An empty
// base resolves to the repository's default branch.
type ChangedFiles struct {
	Files      []string `json:"files"`
	BaseBranch string   `json:"base_branch"`
}

// BranchChangedFiles returns the files changed by branch since base.
func (g *Git) BranchChangedFiles(ctx context.Context, dir, branch, base string, includeUncommitted bool) (ChangedFiles, error) {
	if base == "" {
		base = g.defaultBaseBranch(ctx, dir)
	}
	ref := branch
	if ref == "" {
		ref = "HEAD"
	}

	out, _, err := g.run(ctx, dir, nil, "diff", "--name-only", base+"..."+ref)
	if err != nil {
		return ChangedFiles{}, fmt.Errorf("diff %s...%s: %w", base, ref, err)
	}

	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		if path == "" || seen[path] || g.excluded(path) {
			return
		}
		seen[path] = true
		files = append(files, path)
	}
	for _, line := range strings.Split(out, "\n") {
		add(strings.TrimSpace(line))
	}

	if includeUncommitted {
		status, _, err := g.run(ctx, dir, nil, "status", "--porcelain")
		if err != nil {
			return ChangedFiles{}, err
		}
		for _, line := range strings.Split(status, "\n") {
			if len(line) < 4 {
				continue
			}
			add(porcelainPath(line))
		}
	}

	return ChangedFiles{Files: files, BaseBranch: base}, nil
}

// FileDiff returns the raw unified diff for one path against base,
// including uncommitted changes. No rendering is applied.
func (g *Git) FileDiff(ctx context.Context, dir, base, path string) (string, error) {
	if base == "" {
		base = g.defaultBaseBranch(ctx, dir)
	}
	out, _, err := g.run(ctx, dir, nil, "diff", base, "--", path)
	if err != nil {
		return "", fmt.Errorf("diff %s -- %s: %w", base, path, err)
	}
	return out, nil
}
