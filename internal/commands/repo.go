package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/defaults"
	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/store"
)

func (h *Handler) setCwd(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) != 1 {
		return refuse("Usage: /setcwd <path>"), nil
	}
	path := filepath.Clean(args[0])
	if !filepath.IsAbs(path) {
		return refuse("Path must be absolute."), nil
	}
	if !h.insideWorkspace(path) {
		return refuse(fmt.Sprintf("Path must be inside the workspace root (%s).", h.cfg.WorkspaceRoot)), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return refuse(fmt.Sprintf("Cannot access %s: %v", path, err)), nil
	}
	if !info.IsDir() {
		return refuse(fmt.Sprintf("%s is not a directory.", path)), nil
	}

	patch := store.ConversationPatch{Cwd: &path}
	cb, err := h.codebaseContaining(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if cb != nil {
		patch.CodebaseID = &cb.ID
	} else {
		patch.ClearCodebase = true
	}
	// The old env link only survives if the new directory is that env's
	// worktree.
	patch.ClearIsolationEnv = true
	if conv.IsolationEnvID != nil {
		if env, err := h.stores.Envs.Get(ctx, *conv.IsolationEnvID); err == nil && env.WorkingPath == path {
			patch.ClearIsolationEnv = false
		}
	}
	if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
		return Result{}, err
	}
	if err := h.stores.Sessions.DeactivateForConversation(ctx, conv.ID); err != nil {
		return Result{}, err
	}
	if err := h.git.AddTrustedDirectory(ctx, path); err != nil {
		slog.Warn("failed to trust directory", "path", path, "error", err)
	}

	msg := fmt.Sprintf("Working directory set to %s.", path)
	if cb != nil {
		msg += fmt.Sprintf(" Linked to %s.", cb.Name)
	}
	return okModified(msg + " Session reset."), nil
}

func (h *Handler) clone(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) != 1 {
		return refuse("Usage: /clone <repository-url>"), nil
	}
	url := gitops.NormalizeRepoURL(args[0])
	owner, repo, err := gitops.OwnerRepo(url)
	if err != nil {
		return refuse(fmt.Sprintf("Cannot parse repository URL: %v", err)), nil
	}
	name := owner + "/" + repo
	dest := filepath.Join(h.cfg.WorkspaceRoot, owner, repo)

	if existing, err := h.stores.Codebases.FindByURL(ctx, url); err != nil {
		return Result{}, err
	} else if existing != nil {
		if err := h.linkConversation(ctx, conv, existing); err != nil {
			return Result{}, err
		}
		return okModified(fmt.Sprintf("%s is already cloned at %s. Switched to it.", name, existing.DefaultCwd)), nil
	}

	// A directory on disk with no matching Codebase row is not ours to adopt.
	if _, err := os.Stat(dest); err == nil {
		return refuse(fmt.Sprintf("%s already exists but no known repository matches %s. Remove the directory or use /repo.", dest, url)), nil
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("stat %s: %w", dest, err)
	}
	if err := h.git.Clone(ctx, gitops.CloneURL(url, h.cfg.GHToken), dest); err != nil {
		return Result{}, fmt.Errorf("clone %s: %w", name, err)
	}

	cb := &store.Codebase{
		Name:          name,
		RepositoryURL: url,
		DefaultCwd:    dest,
		AssistantType: detectAssistant(dest, h.cfg.DefaultAssistant),
	}
	if err := h.stores.Codebases.Create(ctx, cb); err != nil {
		return Result{}, err
	}

	if err := defaults.CopyInto(dest); err != nil {
		slog.Warn("failed to copy starter scaffold", "repo", name, "error", err)
	}
	loaded, err := h.loadCommandsDir(ctx, cb, filepath.Join(dest, ".archon", "commands"))
	if err != nil {
		slog.Warn("failed to load repository commands", "repo", name, "error", err)
	}
	workflows := h.workflows.Reload(cb.ID, dest)

	if err := h.git.AddTrustedDirectory(ctx, dest); err != nil {
		slog.Warn("failed to trust directory", "path", dest, "error", err)
	}
	if err := h.linkConversation(ctx, conv, cb); err != nil {
		return Result{}, err
	}
	return okModified(fmt.Sprintf("Cloned %s to %s (assistant: %s, %d commands, %d workflows).",
		name, dest, cb.AssistantType, loaded, len(workflows))), nil
}

// detectAssistant prefers the assistant whose config directory the repository
// carries.
func detectAssistant(repoPath string, fallback store.AssistantType) store.AssistantType {
	if _, err := os.Stat(filepath.Join(repoPath, ".claude")); err == nil {
		return store.AssistantClaude
	}
	if _, err := os.Stat(filepath.Join(repoPath, ".codex")); err == nil {
		return store.AssistantCodex
	}
	return fallback
}

// linkConversation points the conversation at a codebase's canonical clone
// and ends the session so the next message starts in the new context.
func (h *Handler) linkConversation(ctx context.Context, conv *store.Conversation, cb *store.Codebase) error {
	patch := store.ConversationPatch{
		CodebaseID:        &cb.ID,
		Cwd:               &cb.DefaultCwd,
		ClearIsolationEnv: true,
	}
	if cb.AssistantType.Valid() {
		patch.AssistantType = &cb.AssistantType
	}
	if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
		return err
	}
	return h.stores.Sessions.DeactivateForConversation(ctx, conv.ID)
}

func (h *Handler) listRepos(ctx context.Context, conv *store.Conversation) (Result, error) {
	list, err := h.stores.Codebases.List(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(list) == 0 {
		return ok("No repositories. Use /clone <url> to add one."), nil
	}
	var sb strings.Builder
	for _, cb := range list {
		marker := "  "
		if conv.CodebaseID != nil && *conv.CodebaseID == cb.ID {
			marker = "* "
		}
		n, _ := h.stores.Envs.CountActive(ctx, cb.ID)
		fmt.Fprintf(&sb, "%s%s (%s, %d worktrees)\n", marker, cb.Name, cb.AssistantType, n)
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}

func (h *Handler) switchRepo(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) < 1 || len(args) > 2 {
		return refuse("Usage: /repo <name> [pull]"), nil
	}
	list, err := h.stores.Codebases.List(ctx)
	if err != nil {
		return Result{}, err
	}
	cb := resolveCodebase(list, args[0])
	if cb == nil {
		return refuse(fmt.Sprintf("No repository matches %q. See /repos.", args[0])), nil
	}

	var pulled string
	if len(args) == 2 {
		if args[1] != "pull" {
			return refuse("Usage: /repo <name> [pull]"), nil
		}
		if err := h.git.Pull(ctx, cb.DefaultCwd); err != nil {
			pulled = fmt.Sprintf(" Pull failed: %v.", err)
		} else {
			pulled = " Pulled latest changes."
		}
	}

	if err := h.linkConversation(ctx, conv, cb); err != nil {
		return Result{}, err
	}
	return okModified(fmt.Sprintf("Switched to %s at %s.%s", cb.Name, cb.DefaultCwd, pulled)), nil
}

// removeRepo deletes the codebase row, every conversation/session link to it,
// and the clone directory (worktrees included).
func (h *Handler) removeRepo(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) != 1 {
		return refuse("Usage: /repo-remove <name>"), nil
	}
	list, err := h.stores.Codebases.List(ctx)
	if err != nil {
		return Result{}, err
	}
	cb := resolveCodebase(list, args[0])
	if cb == nil {
		return refuse(fmt.Sprintf("No repository matches %q.", args[0])), nil
	}

	envs, err := h.stores.Envs.FindActiveByCodebase(ctx, cb.ID)
	if err != nil {
		return Result{}, err
	}
	for i := range envs {
		if err := h.stores.Envs.UpdateStatus(ctx, envs[i].ID, store.EnvDestroyed); err != nil {
			slog.Warn("failed to retire env during repo removal", "env_id", envs[i].ID, "error", err)
		}
	}
	if err := h.stores.Conversations.ClearCodebaseRefs(ctx, cb.ID); err != nil {
		return Result{}, err
	}
	if err := h.stores.Sessions.ClearCodebaseRefs(ctx, cb.ID); err != nil {
		return Result{}, err
	}
	if err := h.stores.Codebases.Delete(ctx, cb.ID); err != nil {
		return Result{}, err
	}
	h.workflows.Forget(cb.ID)

	if err := os.RemoveAll(cb.DefaultCwd); err != nil {
		return Result{}, fmt.Errorf("remove %s: %w", cb.DefaultCwd, err)
	}
	slog.Info("removed repository", "name", cb.Name, "path", cb.DefaultCwd)
	return okModified(fmt.Sprintf("Removed %s and deleted %s.", cb.Name, cb.DefaultCwd)), nil
}
