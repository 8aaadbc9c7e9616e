package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/config"
	"github.com/nextlevelbuilder/archon/internal/defaults"
	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

// Janitor is the slice of the cleanup scheduler the worktree commands use.
type Janitor interface {
	CleanupMerged(ctx context.Context, codebase store.Codebase) (int, error)
	CleanupStale(ctx context.Context, codebase store.Codebase) (int, error)
}

// Result is a handled command's outcome. Modified signals that conversation
// state changed and the caller's copy is stale.
type Result struct {
	Success  bool
	Message  string
	Modified bool
}

func ok(msg string) Result         { return Result{Success: true, Message: msg} }
func okModified(msg string) Result { return Result{Success: true, Message: msg, Modified: true} }
func refuse(msg string) Result     { return Result{Success: false, Message: msg} }

// Handler executes the built-in slash commands.
type Handler struct {
	cfg       *config.Config
	stores    store.Stores
	git       *gitops.Runner
	isolation *isolation.Manager
	workflows *workflow.Registry

	janitor Janitor
}

func NewHandler(cfg *config.Config, stores store.Stores, git *gitops.Runner, iso *isolation.Manager, workflows *workflow.Registry) *Handler {
	return &Handler{cfg: cfg, stores: stores, git: git, isolation: iso, workflows: workflows}
}

// SetJanitor wires the cleanup scheduler (constructed after the handler).
func (h *Handler) SetJanitor(j Janitor) { h.janitor = j }

var builtins = map[string]bool{
	"help": true, "status": true, "getcwd": true, "setcwd": true,
	"clone": true, "repos": true, "repo": true, "repo-remove": true,
	"command-set": true, "load-commands": true, "commands": true,
	"template-add": true, "templates": true, "template-delete": true,
	"reset": true, "reset-context": true,
	"worktree": true, "workflow": true, "init": true,
}

// Known reports whether name is a built-in command (as opposed to a template
// invocation, which the workflow router resolves).
func (h *Handler) Known(name string) bool { return builtins[name] }

// Handle dispatches one built-in command. The returned error is an internal
// failure; user-level refusals come back as unsuccessful Results.
func (h *Handler) Handle(ctx context.Context, conv *store.Conversation, name string, args []string) (Result, error) {
	switch name {
	case "help":
		return ok(helpText), nil
	case "status":
		return h.status(ctx, conv)
	case "getcwd":
		if conv.Cwd == "" {
			return ok("Working directory is not set. Use /setcwd or /clone."), nil
		}
		return ok(conv.Cwd), nil
	case "setcwd":
		return h.setCwd(ctx, conv, args)
	case "clone":
		return h.clone(ctx, conv, args)
	case "repos":
		return h.listRepos(ctx, conv)
	case "repo":
		return h.switchRepo(ctx, conv, args)
	case "repo-remove":
		return h.removeRepo(ctx, conv, args)
	case "command-set":
		return h.commandSet(ctx, conv, args)
	case "load-commands":
		return h.loadCommands(ctx, conv, args)
	case "commands":
		return h.listCommands(ctx, conv)
	case "template-add":
		return h.templateAdd(ctx, args)
	case "templates":
		return h.listTemplates(ctx)
	case "template-delete":
		return h.templateDelete(ctx, args)
	case "reset":
		return h.reset(ctx, conv)
	case "reset-context":
		return h.resetContext(ctx, conv)
	case "worktree":
		return h.worktree(ctx, conv, args)
	case "workflow":
		return h.workflow(ctx, conv, args)
	case "init":
		return h.initScaffold(ctx, conv)
	}
	return refuse(fmt.Sprintf("Unknown command /%s. Try /help.", name)), nil
}

const helpText = `Commands:
/status                     conversation and repository state
/getcwd, /setcwd <path>     working directory
/clone <url>                clone a repository into the workspace
/repos, /repo <name> [pull] list and switch repositories
/repo-remove <name>         delete a repository and its state
/commands                   list the repository's registered commands
/command-set <name> <path>  register a command prompt file
/load-commands [dir]        load *.md command files recursively
/template-add <name> <content>, /templates, /template-delete <name>
/reset                      end the session and return to the repo root
/reset-context              start a fresh assistant context
/worktree create|list|remove|cleanup|orphans
/workflow list|reload|cancel
/init                       scaffold .archon in the current repository`

// status renders the conversation's state, auto-linking the codebase from the
// working directory when no link exists yet.
func (h *Handler) status(ctx context.Context, conv *store.Conversation) (Result, error) {
	cb, linked, err := h.linkedCodebase(ctx, conv)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Platform: %s\n", conv.PlatformType)
	fmt.Fprintf(&sb, "Assistant: %s\n", conv.AssistantType)
	if conv.Cwd != "" {
		fmt.Fprintf(&sb, "Directory: %s\n", conv.Cwd)
	} else {
		sb.WriteString("Directory: (not set)\n")
	}
	if cb != nil {
		branch := h.git.CurrentBranch(ctx, conv.Cwd)
		repoLine := fmt.Sprintf("Repository: %s @ %s", cb.Name, branch)
		if gitops.IsWorktreePath(conv.Cwd) {
			repoLine += " (worktree)"
		}
		sb.WriteString(repoLine + "\n")
	} else {
		sb.WriteString("Repository: none\n")
	}
	if sess, err := h.stores.Sessions.GetActive(ctx, conv.ID); err == nil && sess != nil {
		fmt.Fprintf(&sb, "Session: active since %s\n", sess.StartedAt.Format("2006-01-02 15:04"))
	} else {
		sb.WriteString("Session: none\n")
	}
	if run, err := h.stores.Runs.FindRunning(ctx, conv.ID); err == nil && run != nil {
		fmt.Fprintf(&sb, "Workflow: %s running (step %d)\n", run.WorkflowName, run.CurrentStepIndex)
	}

	res := ok(strings.TrimRight(sb.String(), "\n"))
	res.Modified = linked
	return res, nil
}

// linkedCodebase returns the conversation's codebase. When no link exists it
// tries to derive one from the working directory (a directory inside a known
// clone links the conversation to it) and persists the link.
func (h *Handler) linkedCodebase(ctx context.Context, conv *store.Conversation) (cb *store.Codebase, linked bool, err error) {
	if conv.CodebaseID != nil {
		cb, err := h.stores.Codebases.Get(ctx, *conv.CodebaseID)
		if err != nil {
			return nil, false, err
		}
		return cb, false, nil
	}
	if conv.Cwd == "" {
		return nil, false, nil
	}
	cb, err = h.codebaseContaining(ctx, conv.Cwd)
	if err != nil || cb == nil {
		return nil, false, err
	}
	patch := store.ConversationPatch{CodebaseID: &cb.ID}
	if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
		return nil, false, err
	}
	conv.CodebaseID = &cb.ID
	return cb, true, nil
}

// insideWorkspace reports whether path resolves lexically inside the
// workspace root. Every user-supplied path must pass this before it is read,
// written, or set as a working directory.
func (h *Handler) insideWorkspace(path string) bool {
	clean := filepath.Clean(path)
	root := filepath.Clean(h.cfg.WorkspaceRoot)
	return clean == root || strings.HasPrefix(clean, root+string(filepath.Separator))
}

// codebaseContaining finds the codebase whose canonical clone contains path
// (the clone root itself or anything under it, worktrees included).
func (h *Handler) codebaseContaining(ctx context.Context, path string) (*store.Codebase, error) {
	list, err := h.stores.Codebases.List(ctx)
	if err != nil {
		return nil, err
	}
	clean := filepath.Clean(path)
	for i := range list {
		root := filepath.Clean(list[i].DefaultCwd)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return &list[i], nil
		}
	}
	return nil, nil
}

// resolveCodebase picks a codebase by name: exact full name, exact repo part,
// then prefix of either, alphabetical within a tier.
func resolveCodebase(list []store.Codebase, query string) *store.Codebase {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	repoPart := func(name string) string {
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			return name[i+1:]
		}
		return name
	}
	tiers := []func(cb *store.Codebase) bool{
		func(cb *store.Codebase) bool { return cb.Name == query },
		func(cb *store.Codebase) bool { return repoPart(cb.Name) == query },
		func(cb *store.Codebase) bool { return strings.HasPrefix(cb.Name, query) },
		func(cb *store.Codebase) bool { return strings.HasPrefix(repoPart(cb.Name), query) },
	}
	for _, match := range tiers {
		for i := range list {
			if match(&list[i]) {
				return &list[i]
			}
		}
	}
	return nil
}

// requireCodebase resolves the conversation's codebase or refuses.
func (h *Handler) requireCodebase(ctx context.Context, conv *store.Conversation) (*store.Codebase, Result, bool, error) {
	cb, linked, err := h.linkedCodebase(ctx, conv)
	if err != nil {
		return nil, Result{}, false, err
	}
	if cb == nil {
		return nil, refuse("No repository linked. Use /clone or /repo first."), linked, nil
	}
	return cb, Result{}, linked, nil
}

func (h *Handler) reset(ctx context.Context, conv *store.Conversation) (Result, error) {
	if err := h.stores.Sessions.DeactivateForConversation(ctx, conv.ID); err != nil {
		return Result{}, err
	}
	patch := store.ConversationPatch{ClearIsolationEnv: true}
	if conv.CodebaseID != nil {
		if cb, err := h.stores.Codebases.Get(ctx, *conv.CodebaseID); err == nil {
			patch.Cwd = &cb.DefaultCwd
		}
	}
	if err := h.stores.Conversations.Update(ctx, conv.ID, patch); err != nil {
		return Result{}, err
	}
	return okModified("Session reset. Next message starts a fresh assistant context."), nil
}

func (h *Handler) resetContext(ctx context.Context, conv *store.Conversation) (Result, error) {
	if err := h.stores.Sessions.DeactivateForConversation(ctx, conv.ID); err != nil {
		return Result{}, err
	}
	return ok("Context cleared. Working directory and repository link are unchanged."), nil
}

func (h *Handler) initScaffold(ctx context.Context, conv *store.Conversation) (Result, error) {
	if conv.Cwd == "" {
		return refuse("Working directory is not set. Use /setcwd or /clone first."), nil
	}
	if _, err := os.Stat(filepath.Join(conv.Cwd, ".archon")); err == nil {
		return refuse(fmt.Sprintf("%s/.archon already exists.", conv.Cwd)), nil
	}
	if err := defaults.CopyInto(conv.Cwd); err != nil {
		return Result{}, fmt.Errorf("scaffold .archon: %w", err)
	}
	if cb, err := h.codebaseContaining(ctx, conv.Cwd); err == nil && cb != nil {
		h.workflows.Reload(cb.ID, conv.Cwd)
	}
	return ok(fmt.Sprintf("Initialized %s/.archon with starter commands and workflows.", conv.Cwd)), nil
}
