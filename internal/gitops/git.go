// Package gitops shells out to git for clone, worktree, and branch
// operations. Read-only state queries carry a short timeout and degrade to
// the "unknown" sentinel instead of failing the caller.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors parsed from git stderr.
var (
	ErrBranchAlreadyExists     = errors.New("branch already exists")
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")
	ErrPathAlreadyExists       = errors.New("worktree path already exists")
	ErrUncommittedChanges      = errors.New("worktree has uncommitted changes")
	ErrNotGitRepo              = errors.New("not a git repository")
)

// BranchUnknown is returned by state queries that timed out or failed.
const BranchUnknown = "unknown"

// queryTimeout bounds read-only git queries so a hung subprocess cannot
// stall message handling.
const queryTimeout = 3 * time.Second

// Runner executes git commands. The zero value is usable.
type Runner struct{}

func New() *Runner { return &Runner{} }

func (g *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func parseGitError(stderr string, original error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at"):
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		if strings.Contains(lower, "branch") {
			return fmt.Errorf("%w: %s", ErrBranchAlreadyExists, stderr)
		}
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	case strings.Contains(lower, "contains modified or untracked files"):
		return fmt.Errorf("%w: %s", ErrUncommittedChanges, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, original)
}

// Clone clones url into dest, creating parent directories.
func (g *Runner) Clone(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}
	if _, err := g.run(ctx, "", "clone", url, dest); err != nil {
		return err
	}
	return nil
}

// Pull fast-forwards the current branch.
func (g *Runner) Pull(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "pull", "--ff-only")
	return err
}

// CurrentBranch returns the checked-out branch, or BranchUnknown when the
// query times out or the directory is not a repository.
func (g *Runner) CurrentBranch(ctx context.Context, dir string) string {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := g.run(qctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || out == "" {
		return BranchUnknown
	}
	return out
}

// MainBranch resolves the default branch from the remote HEAD symbolic ref,
// falling back to "main".
func (g *Runner) MainBranch(ctx context.Context, dir string) string {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if ref, err := g.run(qctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if i := strings.LastIndexByte(ref, '/'); i >= 0 && i+1 < len(ref) {
			return ref[i+1:]
		}
	}
	return "main"
}

// IsDirty reports whether the working tree has uncommitted or untracked
// changes.
func (g *Runner) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// IsValidWorktree reports whether path exists and is inside a git work tree.
func (g *Runner) IsValidWorktree(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := g.run(qctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// BranchExists reports whether a local branch exists in repo.
func (g *Runner) BranchExists(ctx context.Context, repo, branch string) bool {
	_, err := g.run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// WorktreeAdd creates a worktree at path. When newBranch is true the branch
// is created off HEAD; otherwise the existing branch is checked out, and
// baseSha (if given) is checked out inside the new worktree afterwards.
func (g *Runner) WorktreeAdd(ctx context.Context, repo, path, branch string, newBranch bool, baseSha string) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path)
	} else {
		args = append(args, path, branch)
	}
	if _, err := g.run(ctx, repo, args...); err != nil {
		return err
	}
	if baseSha != "" {
		if _, err := g.run(ctx, path, "checkout", baseSha); err != nil {
			return err
		}
	}
	return nil
}

// WorktreeRemove removes a worktree. Without force, git refuses when the
// tree contains modified or untracked files; that surfaces as
// ErrUncommittedChanges.
func (g *Runner) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(ctx, repo, args...)
	return err
}

// WorktreePrune drops stale administrative entries for removed directories.
func (g *Runner) WorktreePrune(ctx context.Context, repo string) error {
	_, err := g.run(ctx, repo, "worktree", "prune")
	return err
}

// WorktreeInfo is one entry of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	Head   string
}

// WorktreeList parses the porcelain worktree listing; this is the git-side
// ground truth, including entries the database does not know about.
func (g *Runner) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := g.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var result []WorktreeInfo
	var cur WorktreeInfo
	flush := func() {
		if cur.Path != "" {
			result = append(result, cur)
		}
		cur = WorktreeInfo{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return result, nil
}

// CreateBranch creates a branch at the current HEAD of repo.
func (g *Runner) CreateBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *Runner) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", "-D", branch)
	return err
}

// MergedBranches lists local branches fully merged into mainBranch.
func (g *Runner) MergedBranches(ctx context.Context, repo, mainBranch string) ([]string, error) {
	out, err := g.run(ctx, repo, "branch", "--merged", mainBranch)
	if err != nil {
		return nil, err
	}
	return parseBranchList(out, mainBranch), nil
}

// parseBranchList strips the markers git prefixes to branch lines: "*" for
// the current branch, "+" for branches checked out in worktrees. Detached
// HEAD entries and mainBranch itself are dropped.
func parseBranchList(out, mainBranch string) []string {
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		b := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*+ "))
		if b == "" || b == mainBranch || strings.HasPrefix(b, "(") {
			continue
		}
		branches = append(branches, b)
	}
	return branches
}

// Fetch updates remote refs (used before merged-branch detection).
func (g *Runner) Fetch(ctx context.Context, repo string) error {
	_, err := g.run(ctx, repo, "fetch", "--prune")
	return err
}

// AddTrustedDirectory marks a path safe for git operations regardless of
// ownership, required for worktrees handed to assistant subprocesses.
func (g *Runner) AddTrustedDirectory(ctx context.Context, path string) error {
	_, err := g.run(ctx, "", "config", "--global", "--add", "safe.directory", path)
	return err
}
