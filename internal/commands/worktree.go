package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/store"
)

func (h *Handler) worktree(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) == 0 {
		return refuse("Usage: /worktree create|list|remove|cleanup|orphans"), nil
	}
	cb, res, _, err := h.requireCodebase(ctx, conv)
	if err != nil || cb == nil {
		return res, err
	}
	switch args[0] {
	case "create":
		return h.worktreeCreate(ctx, conv, cb, args[1:])
	case "list":
		return h.worktreeList(ctx, conv, cb)
	case "remove":
		return h.worktreeRemove(ctx, conv, cb, args[1:])
	case "cleanup":
		return h.worktreeCleanup(ctx, cb, args[1:])
	case "orphans":
		return h.worktreeOrphans(ctx, cb)
	}
	return refuse(fmt.Sprintf("Unknown subcommand %q. Usage: /worktree create|list|remove|cleanup|orphans", args[0])), nil
}

// worktreeCreate makes a named task worktree and moves the conversation into
// it. The session is kept: the assistant context carries over into the
// isolated checkout.
func (h *Handler) worktreeCreate(ctx context.Context, conv *store.Conversation, cb *store.Codebase, args []string) (Result, error) {
	if len(args) != 1 {
		return refuse("Usage: /worktree create <branch>"), nil
	}
	if conv.IsolationEnvID != nil {
		return refuse("Already using a worktree. Use /worktree remove first."), nil
	}
	branch := args[0]
	if !isolation.ValidBranchName(branch) {
		return refuse(fmt.Sprintf("Invalid branch name %q: use letters, digits, hyphens, underscores.", branch)), nil
	}

	res, err := h.isolation.EnsureForWorkflow(ctx, cb, cb.DefaultCwd, store.WorkflowTask, "task-"+branch,
		isolation.EnsureOptions{CreatedByPlatform: conv.PlatformType})
	var limitErr *isolation.LimitError
	if errors.As(err, &limitErr) {
		return refuse(fmt.Sprintf("%v\n%s", limitErr, limitErr.Breakdown)), nil
	}
	if err != nil {
		return Result{}, err
	}

	patch := store.ConversationPatch{
		Cwd:            &res.Env.WorkingPath,
		IsolationEnvID: &res.Env.ID,
	}
	if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
		return Result{}, err
	}
	return okModified(fmt.Sprintf("%s. Now working in %s.", res.Note, res.Env.WorkingPath)), nil
}

func (h *Handler) worktreeList(ctx context.Context, conv *store.Conversation, cb *store.Codebase) (Result, error) {
	envs, err := h.stores.Envs.FindActiveByCodebase(ctx, cb.ID)
	if err != nil {
		return Result{}, err
	}
	if len(envs) == 0 {
		return ok(fmt.Sprintf("%s has no active worktrees.", cb.Name)), nil
	}
	var sb strings.Builder
	for _, env := range envs {
		marker := "  "
		if conv.IsolationEnvID != nil && *conv.IsolationEnvID == env.ID {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%s (%s %s) %s\n", marker, env.BranchName, env.WorkflowType, env.WorkflowID, env.WorkingPath)
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}

// worktreeRemove destroys the conversation's own worktree and moves every
// conversation parked in it back to the clone root with a fresh session.
func (h *Handler) worktreeRemove(ctx context.Context, conv *store.Conversation, cb *store.Codebase, args []string) (Result, error) {
	if len(args) > 1 || (len(args) == 1 && args[0] != "--force") {
		return refuse("Usage: /worktree remove [--force]"), nil
	}
	force := len(args) == 1
	if conv.IsolationEnvID == nil {
		return refuse("Not using a worktree."), nil
	}

	env, err := h.stores.Envs.Get(ctx, *conv.IsolationEnvID)
	if errors.Is(err, store.ErrNotFound) {
		// The row vanished under us: drop the dangling link.
		patch := store.ConversationPatch{Cwd: &cb.DefaultCwd, ClearIsolationEnv: true}
		if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
			return Result{}, err
		}
		return okModified(fmt.Sprintf("Worktree record was already gone. Back in %s.", cb.DefaultCwd)), nil
	}
	if err != nil {
		return Result{}, err
	}

	err = h.isolation.Destroy(ctx, env, isolation.DestroyOptions{
		Force:             force,
		CanonicalRepoPath: cb.DefaultCwd,
	})
	if errors.Is(err, gitops.ErrUncommittedChanges) {
		return refuse(fmt.Sprintf("Worktree %s has uncommitted changes. Commit them or use /worktree remove --force.",
			env.BranchName)), nil
	}
	if err != nil {
		return Result{}, err
	}

	linked, err := h.stores.Conversations.FindByEnv(ctx, env.ID)
	if err != nil {
		return Result{}, err
	}
	for _, c := range linked {
		patch := store.ConversationPatch{Cwd: &cb.DefaultCwd, ClearIsolationEnv: true}
		if err := h.stores.Conversations.Update(ctx, c.ID, patch); err != nil {
			return Result{}, err
		}
		if err := h.stores.Sessions.DeactivateForConversation(ctx, c.ID); err != nil {
			return Result{}, err
		}
	}
	return okModified(fmt.Sprintf("Removed worktree %s. Back in %s.", env.BranchName, cb.DefaultCwd)), nil
}

func (h *Handler) worktreeCleanup(ctx context.Context, cb *store.Codebase, args []string) (Result, error) {
	if len(args) != 1 || (args[0] != "merged" && args[0] != "stale") {
		return refuse("Usage: /worktree cleanup merged|stale"), nil
	}
	if h.janitor == nil {
		return refuse("Cleanup is not available."), nil
	}
	var n int
	var err error
	if args[0] == "merged" {
		n, err = h.janitor.CleanupMerged(ctx, *cb)
	} else {
		n, err = h.janitor.CleanupStale(ctx, *cb)
	}
	if err != nil {
		return Result{}, err
	}
	return ok(fmt.Sprintf("Removed %d %s worktrees for %s.", n, args[0], cb.Name)), nil
}

// worktreeOrphans diffs git's worktree listing against the database: disk
// checkouts with no active row, and active rows whose directory is gone.
func (h *Handler) worktreeOrphans(ctx context.Context, cb *store.Codebase) (Result, error) {
	trees, err := h.git.WorktreeList(ctx, cb.DefaultCwd)
	if err != nil {
		return Result{}, err
	}
	envs, err := h.stores.Envs.FindActiveByCodebase(ctx, cb.ID)
	if err != nil {
		return Result{}, err
	}
	tracked := make(map[string]bool, len(envs))
	for _, env := range envs {
		tracked[env.WorkingPath] = true
	}

	var sb strings.Builder
	for _, t := range trees {
		if t.Path == cb.DefaultCwd || !gitops.IsWorktreePath(t.Path) {
			continue
		}
		if !tracked[t.Path] {
			fmt.Fprintf(&sb, "untracked checkout: %s (%s)\n", t.Path, t.Branch)
		}
	}
	for _, env := range envs {
		if _, err := os.Stat(env.WorkingPath); os.IsNotExist(err) {
			fmt.Fprintf(&sb, "missing directory: %s (%s)\n", env.WorkingPath, env.BranchName)
		}
	}
	if sb.Len() == 0 {
		return ok("No orphans: disk and database agree."), nil
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}
