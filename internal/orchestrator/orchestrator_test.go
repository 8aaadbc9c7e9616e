package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/archon/internal/adapters"
	"github.com/nextlevelbuilder/archon/internal/assistant"
	"github.com/nextlevelbuilder/archon/internal/bus"
	"github.com/nextlevelbuilder/archon/internal/cleanup"
	"github.com/nextlevelbuilder/archon/internal/commands"
	"github.com/nextlevelbuilder/archon/internal/config"
	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/locker"
	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/store/storetest"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

type stubAssistant struct {
	mu    sync.Mutex
	calls []assistant.InvokeRequest
}

func (a *stubAssistant) Type() store.AssistantType { return store.AssistantClaude }

func (a *stubAssistant) Invoke(_ context.Context, req assistant.InvokeRequest) (*assistant.InvokeResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	return &assistant.InvokeResult{Text: "hi from the assistant", SessionID: "sess-1"}, nil
}

func (a *stubAssistant) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// newTestOrchestrator wires the full message path on in-memory stores and the
// memory adapter, and starts the loop for the test's lifetime.
func newTestOrchestrator(t *testing.T) (*adapters.Memory, *storetest.Bundle, *stubAssistant) {
	t.Helper()
	cfg := &config.Config{
		DefaultAssistant:           store.AssistantClaude,
		WorkspaceRoot:              t.TempDir(),
		MaxConcurrentConversations: 4,
	}
	b := storetest.New()
	git := gitops.New()
	iso := isolation.New(b.Envs, git, 25)
	wfReg := workflow.NewRegistry()
	resolver := workflow.NewResolver(b.Codebases, b.Templates)
	stub := &stubAssistant{}
	assistants := assistant.NewRegistry(stub)
	engine := workflow.NewEngine(b.Stores(), resolver, assistants)
	router := workflow.NewRouter(engine, wfReg, resolver, b.Runs, b.Sessions)
	cleaner := cleanup.New(b.Stores(), git, iso, "0 * * * *", 14)
	cmds := commands.NewHandler(cfg, b.Stores(), git, iso, wfReg)
	cmds.SetJanitor(cleaner)

	msgBus := bus.New()
	mem := adapters.NewMemory("test", adapters.ModeBatch, msgBus)
	locks := locker.New(cfg.MaxConcurrentConversations)
	orch := New(cfg, b.Stores(), locks, cmds, router, assistants,
		adapters.NewRegistry(mem), msgBus, cleaner)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)
	return mem, b, stub
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlainMessageReachesAssistant(t *testing.T) {
	mem, b, _ := newTestOrchestrator(t)

	mem.Inject("42", "what does this repo do?")
	waitFor(t, func() bool { return len(mem.Sent("42")) > 0 }, "no reply delivered")

	if got := mem.Sent("42")[0]; got != "hi from the assistant" {
		t.Errorf("reply = %q, want the assistant output", got)
	}

	ctx := context.Background()
	conv, err := b.Conversations.FindByPlatform(ctx, "test", "42")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Fatal("conversation was not created on first contact")
	}
	sess, err := b.Sessions.GetActive(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || sess.AssistantSessionID != "sess-1" {
		t.Errorf("active session = %+v, want resume token sess-1", sess)
	}
}

func TestBuiltinCommandBypassesAssistant(t *testing.T) {
	mem, _, stub := newTestOrchestrator(t)

	mem.Inject("7", "/help")
	waitFor(t, func() bool { return len(mem.Sent("7")) > 0 }, "no reply delivered")

	if got := mem.Sent("7")[0]; !strings.HasPrefix(got, "Commands:") {
		t.Errorf("reply = %q, want the command listing", got)
	}
	if n := stub.callCount(); n != 0 {
		t.Errorf("assistant invoked %d times for a built-in command, want 0", n)
	}
}

func TestMessagesToOneConversationStaySerialized(t *testing.T) {
	mem, _, stub := newTestOrchestrator(t)

	mem.Inject("9", "first")
	mem.Inject("9", "second")
	waitFor(t, func() bool { return len(mem.Sent("9")) == 2 }, "not all replies delivered")

	if n := stub.callCount(); n != 2 {
		t.Errorf("assistant invoked %d times, want 2", n)
	}
}
