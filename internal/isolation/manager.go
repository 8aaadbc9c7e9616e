// Package isolation maps each logical workflow (issue, PR, named task) to
// exactly one active git worktree, enforces per-codebase limits, and
// reclaims environments without discarding uncommitted work.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/store"
)

// branchNameRe restricts user-provided branch names.
var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidBranchName reports whether a user-supplied branch name is acceptable.
func ValidBranchName(name string) bool {
	return branchNameRe.MatchString(name)
}

// RoomMaker frees capacity in a codebase by removing environments whose
// branches are already merged. Injected after construction to break the
// isolation↔cleanup dependency cycle.
type RoomMaker interface {
	CleanupMerged(ctx context.Context, codebase store.Codebase) (removed int, err error)
}

// LimitError reports that a codebase is at its worktree cap even after
// merged-branch cleanup. Breakdown is a user-facing listing.
type LimitError struct {
	CodebaseName string
	Limit        int
	Breakdown    string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("worktree limit reached for %s (%d active)", e.CodebaseName, e.Limit)
}

// Manager owns the worktree lifecycle.
type Manager struct {
	envs       store.EnvStore
	git        *gitops.Runner
	maxPerRepo int

	roomMaker RoomMaker
}

// New builds a Manager. Call SetRoomMaker once the cleanup scheduler exists.
func New(envs store.EnvStore, git *gitops.Runner, maxPerRepo int) *Manager {
	return &Manager{
		envs:       envs,
		git:        git,
		maxPerRepo: maxPerRepo,
	}
}

// SetRoomMaker wires the merged-branch cleanup used when a codebase hits its
// worktree cap.
func (m *Manager) SetRoomMaker(r RoomMaker) { m.roomMaker = r }

// EnsureOptions tune EnsureForWorkflow.
type EnsureOptions struct {
	// RelatedIssues lets a PR reuse the worktree of the issue it fixes.
	RelatedIssues     []int
	CreatedByPlatform string
	// BranchHint names an existing branch to check out (same-repo PRs)
	// instead of creating one.
	BranchHint string
	// BaseSha, with BranchHint, pins the checkout inside the new worktree.
	BaseSha string
}

// EnsureResult carries the environment plus a human-readable note about how
// it was obtained (fresh, found, or reused from a linked issue).
type EnsureResult struct {
	Env    *store.IsolationEnvironment
	Note   string
	Reused bool
}

// EnsureForWorkflow finds or creates the single active environment for a
// workflow identity.
func (m *Manager) EnsureForWorkflow(ctx context.Context, codebase *store.Codebase, repoPath string, wt store.WorkflowType, workflowID string, opts EnsureOptions) (*EnsureResult, error) {
	// 1. Identity lookup.
	if env, err := m.envs.FindByWorkflow(ctx, codebase.ID, wt, workflowID); err != nil {
		return nil, err
	} else if env != nil {
		if m.git.IsValidWorktree(ctx, env.WorkingPath) {
			return &EnsureResult{Env: env, Note: fmt.Sprintf("Using existing worktree %s", env.BranchName)}, nil
		}
		// Path rotted away underneath us: retire the row and fall through
		// to recreate.
		slog.Warn("environment path no longer a worktree, recreating",
			"env_id", env.ID, "path", env.WorkingPath)
		if err := m.envs.UpdateStatus(ctx, env.ID, store.EnvDestroyed); err != nil {
			return nil, err
		}
	}

	// 2. PR piggybacks on the issue's worktree when they share a branch.
	if wt == store.WorkflowPR && len(opts.RelatedIssues) > 0 {
		shared, err := m.envs.FindActiveWithRelatedIssue(ctx, codebase.ID, opts.RelatedIssues)
		if err != nil {
			return nil, err
		}
		if shared != nil && m.git.IsValidWorktree(ctx, shared.WorkingPath) {
			if n, ok := prNumber(workflowID); ok {
				if err := m.envs.MergeMetadata(ctx, shared.ID, map[string]any{"pr_number": n}); err != nil {
					slog.Warn("failed to annotate shared env with pr_number", "env_id", shared.ID, "error", err)
				}
			}
			issues := shared.RelatedIssues()
			note := "Reusing worktree from linked issue"
			if len(issues) > 0 {
				note = fmt.Sprintf("Reusing worktree from issue #%d", issues[0])
			}
			return &EnsureResult{Env: shared, Note: note, Reused: true}, nil
		}
	}

	// 3. Create.
	if err := m.enforceLimit(ctx, codebase); err != nil {
		return nil, err
	}

	branch := opts.BranchHint
	newBranch := false
	if branch == "" {
		branch = branchFor(wt, workflowID)
		newBranch = true
	}
	workingPath := filepath.Join(repoPath, "worktrees", branch)

	if err := m.git.WorktreeAdd(ctx, repoPath, workingPath, branch, newBranch, opts.BaseSha); err != nil {
		return nil, fmt.Errorf("create worktree %s: %w", branch, err)
	}

	// 4. Trust the new path so git operations from the assistant work.
	if err := m.git.AddTrustedDirectory(ctx, workingPath); err != nil {
		slog.Warn("failed to add trusted git directory", "path", workingPath, "error", err)
	}

	// 5. Persist.
	metadata := map[string]any{}
	if len(opts.RelatedIssues) > 0 {
		issues := make([]any, len(opts.RelatedIssues))
		for i, n := range opts.RelatedIssues {
			issues[i] = n
		}
		metadata["related_issues"] = issues
	}
	env := &store.IsolationEnvironment{
		CodebaseID:        codebase.ID,
		WorkflowType:      wt,
		WorkflowID:        workflowID,
		Provider:          "worktree",
		WorkingPath:       workingPath,
		BranchName:        branch,
		Status:            store.EnvActive,
		CreatedByPlatform: opts.CreatedByPlatform,
		Metadata:          metadata,
	}
	if err := m.envs.Create(ctx, env); err != nil {
		// Roll the worktree back rather than leaking an untracked checkout.
		if rmErr := m.git.WorktreeRemove(ctx, repoPath, workingPath, true); rmErr != nil {
			slog.Error("failed to roll back worktree after insert failure",
				"path", workingPath, "error", rmErr)
		}
		return nil, err
	}

	slog.Info("created isolation environment",
		"codebase", codebase.Name, "type", wt, "workflow_id", workflowID, "branch", branch)
	return &EnsureResult{Env: env, Note: fmt.Sprintf("Created worktree %s", branch)}, nil
}

// DestroyOptions tune Destroy.
type DestroyOptions struct {
	// Force discards uncommitted changes.
	Force bool
	// DeleteBranch removes the env's branch after the worktree is gone.
	DeleteBranch bool
	// CanonicalRepoPath overrides the repo root derived from the working
	// path (needed when the working directory has been removed externally).
	CanonicalRepoPath string
}

// Destroy removes the environment's worktree and marks the row destroyed.
// Without Force it refuses to discard uncommitted changes; a missing working
// directory means there is nothing to lose, so row and branch cleanup still
// proceed. Callers clear isolation_env_id on conversations that pointed here.
func (m *Manager) Destroy(ctx context.Context, env *store.IsolationEnvironment, opts DestroyOptions) error {
	repoPath := opts.CanonicalRepoPath
	if repoPath == "" {
		repoPath = gitops.CanonicalFromWorktree(env.WorkingPath)
	}

	if _, err := os.Stat(env.WorkingPath); os.IsNotExist(err) {
		// Directory already gone: prune git's bookkeeping and finish.
		if err := m.git.WorktreePrune(ctx, repoPath); err != nil {
			slog.Warn("worktree prune failed", "repo", repoPath, "error", err)
		}
		m.deleteBranchIfAsked(ctx, repoPath, env, opts)
		return m.envs.UpdateStatus(ctx, env.ID, store.EnvDestroyed)
	}

	if !opts.Force {
		dirty, err := m.git.IsDirty(ctx, env.WorkingPath)
		if err != nil {
			return fmt.Errorf("check worktree state: %w", err)
		}
		if dirty {
			return fmt.Errorf("%w: %s", gitops.ErrUncommittedChanges, env.WorkingPath)
		}
	}

	if err := m.git.WorktreeRemove(ctx, repoPath, env.WorkingPath, opts.Force); err != nil {
		if errors.Is(err, gitops.ErrUncommittedChanges) && !opts.Force {
			return err
		}
		return fmt.Errorf("remove worktree: %w", err)
	}
	m.deleteBranchIfAsked(ctx, repoPath, env, opts)

	slog.Info("destroyed isolation environment",
		"env_id", env.ID, "branch", env.BranchName, "forced", opts.Force)
	return m.envs.UpdateStatus(ctx, env.ID, store.EnvDestroyed)
}

func (m *Manager) deleteBranchIfAsked(ctx context.Context, repoPath string, env *store.IsolationEnvironment, opts DestroyOptions) {
	if !opts.DeleteBranch || env.BranchName == "" {
		return
	}
	if err := m.git.DeleteBranch(ctx, repoPath, env.BranchName); err != nil {
		slog.Warn("failed to delete branch", "branch", env.BranchName, "error", err)
	}
}

// enforceLimit checks the per-codebase cap, attempting merged-branch cleanup
// and one recount before failing.
func (m *Manager) enforceLimit(ctx context.Context, codebase *store.Codebase) error {
	count, err := m.envs.CountActive(ctx, codebase.ID)
	if err != nil {
		return err
	}
	if count < m.maxPerRepo {
		return nil
	}

	if m.roomMaker != nil {
		removed, err := m.roomMaker.CleanupMerged(ctx, *codebase)
		if err != nil {
			slog.Warn("cleanup-to-make-room failed", "codebase", codebase.Name, "error", err)
		} else if removed > 0 {
			slog.Info("cleanup made room", "codebase", codebase.Name, "removed", removed)
		}
		count, err = m.envs.CountActive(ctx, codebase.ID)
		if err != nil {
			return err
		}
		if count < m.maxPerRepo {
			return nil
		}
	}

	breakdown, err := m.limitBreakdown(ctx, codebase)
	if err != nil {
		breakdown = "(breakdown unavailable)"
	}
	return &LimitError{CodebaseName: codebase.Name, Limit: m.maxPerRepo, Breakdown: breakdown}
}

// limitBreakdown renders the per-branch listing shown when the cap holds
// even after cleanup.
func (m *Manager) limitBreakdown(ctx context.Context, codebase *store.Codebase) (string, error) {
	envs, err := m.envs.FindActiveByCodebase(ctx, codebase.ID)
	if err != nil {
		return "", err
	}
	mainBranch := m.git.MainBranch(ctx, codebase.DefaultCwd)
	merged, _ := m.git.MergedBranches(ctx, codebase.DefaultCwd, mainBranch)
	mergedSet := make(map[string]bool, len(merged))
	for _, b := range merged {
		mergedSet[b] = true
	}

	var sb strings.Builder
	mergedCount := 0
	for _, env := range envs {
		state := "active"
		if mergedSet[env.BranchName] {
			state = "merged"
			mergedCount++
		}
		fmt.Fprintf(&sb, "  %s (%s, %s)\n", env.BranchName, env.WorkflowType, state)
	}
	return fmt.Sprintf("%d active, %d merged:\n%s", len(envs), mergedCount, sb.String()), nil
}

// branchFor derives the branch name for a workflow identity: issue-N, pr-N,
// or the task slug (task workflow ids are already "task-<slug>").
func branchFor(wt store.WorkflowType, workflowID string) string {
	switch wt {
	case store.WorkflowIssue:
		return "issue-" + workflowID
	case store.WorkflowPR:
		return "pr-" + workflowID
	default:
		return strings.TrimPrefix(workflowID, "task-")
	}
}

func prNumber(workflowID string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(workflowID, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
