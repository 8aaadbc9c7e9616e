package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/archon/internal/config"
	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/store/storetest"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

func newTestHandler(t *testing.T) (*Handler, *storetest.Bundle, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		WorkspaceRoot:    t.TempDir(),
		DefaultAssistant: store.AssistantClaude,
	}
	b := storetest.New()
	git := gitops.New()
	h := NewHandler(cfg, b.Stores(), git, isolation.New(b.Envs, git, 25), workflow.NewRegistry())
	return h, b, cfg
}

func addLinkedConversation(b *storetest.Bundle, cb store.Codebase) store.Conversation {
	return b.Conversations.Add(store.Conversation{
		PlatformType:           "telegram",
		PlatformConversationID: "100",
		CodebaseID:             &cb.ID,
		Cwd:                    cb.DefaultCwd,
		AssistantType:          store.AssistantClaude,
	})
}

type stubJanitor struct {
	merged, stale int
}

func (j *stubJanitor) CleanupMerged(context.Context, store.Codebase) (int, error) {
	j.merged++
	return 2, nil
}

func (j *stubJanitor) CleanupStale(context.Context, store.Codebase) (int, error) {
	j.stale++
	return 1, nil
}

func TestWorktreeCreateRefusesWhenAlreadyIsolated(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	cb := b.Codebases.Add(store.Codebase{
		Name:       "acme/api",
		DefaultCwd: filepath.Join(cfg.WorkspaceRoot, "acme", "api"),
	})
	conv := addLinkedConversation(b, cb)
	envID := store.NewID()
	conv.IsolationEnvID = &envID

	res, err := h.Handle(context.Background(), &conv, "worktree", []string{"create", "fix-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("create succeeded while the conversation is already in a worktree")
	}
	if !strings.Contains(res.Message, "Already using a worktree") {
		t.Errorf("message = %q, want the already-using refusal", res.Message)
	}
}

func TestWorktreeRemoveWithoutWorktree(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	cb := b.Codebases.Add(store.Codebase{
		Name:       "acme/api",
		DefaultCwd: filepath.Join(cfg.WorkspaceRoot, "acme", "api"),
	})
	conv := addLinkedConversation(b, cb)

	res, err := h.Handle(context.Background(), &conv, "worktree", []string{"remove"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Message != "Not using a worktree." {
		t.Errorf("result = %+v, want the not-using-a-worktree refusal", res)
	}
}

func TestWorktreeRemoveRejectsUnknownFlag(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	cb := b.Codebases.Add(store.Codebase{
		Name:       "acme/api",
		DefaultCwd: filepath.Join(cfg.WorkspaceRoot, "acme", "api"),
	})
	conv := addLinkedConversation(b, cb)

	res, err := h.Handle(context.Background(), &conv, "worktree", []string{"remove", "some-branch"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Message, "Usage: /worktree remove [--force]") {
		t.Errorf("result = %+v, want the usage refusal", res)
	}
}

func TestWorktreeCleanupRequiresSelector(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	j := &stubJanitor{}
	h.SetJanitor(j)
	cb := b.Codebases.Add(store.Codebase{
		Name:       "acme/api",
		DefaultCwd: filepath.Join(cfg.WorkspaceRoot, "acme", "api"),
	})
	conv := addLinkedConversation(b, cb)

	res, err := h.Handle(context.Background(), &conv, "worktree", []string{"cleanup"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Message, "Usage: /worktree cleanup merged|stale") {
		t.Errorf("result = %+v, want the selector usage refusal", res)
	}
	if j.merged != 0 || j.stale != 0 {
		t.Errorf("janitor was invoked (merged=%d stale=%d) despite the refusal", j.merged, j.stale)
	}
}

func TestWorktreeCleanupMerged(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	j := &stubJanitor{}
	h.SetJanitor(j)
	cb := b.Codebases.Add(store.Codebase{
		Name:       "acme/api",
		DefaultCwd: filepath.Join(cfg.WorkspaceRoot, "acme", "api"),
	})
	conv := addLinkedConversation(b, cb)

	res, err := h.Handle(context.Background(), &conv, "worktree", []string{"cleanup", "merged"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Message != "Removed 2 merged worktrees for acme/api." {
		t.Errorf("result = %+v, want the merged-cleanup report", res)
	}
	if j.merged != 1 || j.stale != 0 {
		t.Errorf("janitor calls merged=%d stale=%d, want merged only", j.merged, j.stale)
	}
}

func TestCloneRefusesOccupiedDirectory(t *testing.T) {
	h, b, cfg := newTestHandler(t)
	dest := filepath.Join(cfg.WorkspaceRoot, "alice", "utils")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	conv := b.Conversations.Add(store.Conversation{
		PlatformType:           "telegram",
		PlatformConversationID: "100",
		AssistantType:          store.AssistantClaude,
	})

	res, err := h.Handle(context.Background(), &conv, "clone", []string{"https://github.com/alice/utils"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("clone adopted an existing directory with no matching repository record")
	}
	if !strings.Contains(res.Message, "already exists") {
		t.Errorf("message = %q, want the already-exists refusal", res.Message)
	}
}

func TestInitScaffold(t *testing.T) {
	h, b, _ := newTestHandler(t)
	conv := b.Conversations.Add(store.Conversation{
		PlatformType:           "telegram",
		PlatformConversationID: "100",
		AssistantType:          store.AssistantClaude,
	})

	res, err := h.Handle(context.Background(), &conv, "init", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Message, "Working directory is not set") {
		t.Errorf("result = %+v, want the missing-cwd refusal", res)
	}

	conv.Cwd = t.TempDir()
	res, err = h.Handle(context.Background(), &conv, "init", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("init refused: %s", res.Message)
	}
	if _, err := os.Stat(filepath.Join(conv.Cwd, ".archon")); err != nil {
		t.Errorf(".archon was not scaffolded: %v", err)
	}

	res, err = h.Handle(context.Background(), &conv, "init", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Message, "already exists") {
		t.Errorf("result = %+v, want the already-exists refusal", res)
	}
}
