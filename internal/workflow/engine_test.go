package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/archon/internal/assistant"
	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/store/storetest"
)

// scriptedAssistant records every invocation and answers via respond, which
// receives the zero-based call number.
type scriptedAssistant struct {
	mu      sync.Mutex
	calls   []assistant.InvokeRequest
	respond func(n int, req assistant.InvokeRequest) (*assistant.InvokeResult, error)
}

func (a *scriptedAssistant) Type() store.AssistantType { return store.AssistantClaude }

func (a *scriptedAssistant) Invoke(_ context.Context, req assistant.InvokeRequest) (*assistant.InvokeResult, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	return a.respond(n, req)
}

func (a *scriptedAssistant) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *scriptedAssistant) call(n int) assistant.InvokeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[n]
}

func newTestEngine(t *testing.T, a *scriptedAssistant) (*Engine, *storetest.Bundle, *store.Conversation) {
	t.Helper()
	b := storetest.New()
	eng := NewEngine(b.Stores(), NewResolver(b.Codebases, b.Templates), assistant.NewRegistry(a))
	conv := b.Conversations.Add(store.Conversation{
		PlatformType:           "telegram",
		PlatformConversationID: "100",
		AssistantType:          store.AssistantClaude,
	})
	return eng, b, &conv
}

func addTemplate(t *testing.T, b *storetest.Bundle, name, content string) {
	t.Helper()
	if err := b.Templates.Upsert(context.Background(), &store.CommandTemplate{Name: name, Content: content}); err != nil {
		t.Fatal(err)
	}
}

func singleRun(t *testing.T, b *storetest.Bundle) store.WorkflowRun {
	t.Helper()
	runs := b.Runs.All()
	if len(runs) != 1 {
		t.Fatalf("got %d workflow runs, want 1", len(runs))
	}
	return runs[0]
}

func TestExecuteLoopStopsOnSignal(t *testing.T) {
	a := &scriptedAssistant{respond: func(n int, _ assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		if n == 2 {
			return &assistant.InvokeResult{Text: "all fixed REVIEW_CLEAN", SessionID: "tok"}, nil
		}
		return &assistant.InvokeResult{Text: "still reviewing", SessionID: "tok"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)

	def := Definition{
		Name:     "review-loop",
		Provider: store.AssistantClaude,
		Prompt:   "Review the code.",
		Loop:     &LoopSpec{Until: "REVIEW_CLEAN", MaxIterations: 5},
	}
	var out []string
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "review-loop",
		WorkingDir:   t.TempDir(),
		Emit:         func(s string) { out = append(out, s) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := a.callCount(); got != 3 {
		t.Errorf("assistant invoked %d times, want 3", got)
	}
	if run := singleRun(t, b); run.Status != store.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if len(out) != 3 {
		t.Errorf("emitted %d messages, want 3", len(out))
	}
}

func TestExecuteLoopFailsAtMaxIterations(t *testing.T) {
	a := &scriptedAssistant{respond: func(int, assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		return &assistant.InvokeResult{Text: "not done yet", SessionID: "tok"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)

	def := Definition{
		Name:     "review-loop",
		Provider: store.AssistantClaude,
		Prompt:   "Review the code.",
		Loop:     &LoopSpec{Until: "REVIEW_CLEAN", MaxIterations: 3},
	}
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "review-loop",
		WorkingDir:   t.TempDir(),
		Emit:         func(string) {},
	})
	if err == nil || !strings.Contains(err.Error(), "max_iterations reached") {
		t.Fatalf("Execute error = %v, want max_iterations failure", err)
	}
	if got := a.callCount(); got != 3 {
		t.Errorf("assistant invoked %d times, want 3", got)
	}
	run := singleRun(t, b)
	if run.Status != store.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if msg, _ := run.Metadata["error"].(string); !strings.Contains(msg, "max_iterations") {
		t.Errorf("run metadata error = %q, want the max_iterations message", msg)
	}
}

func TestExecuteParallelFailsWhenAnyBranchFails(t *testing.T) {
	a := &scriptedAssistant{respond: func(_ int, req assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		if strings.Contains(req.Prompt, "lint") {
			return nil, errors.New("lint exploded")
		}
		return &assistant.InvokeResult{Text: "tests pass"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)
	addTemplate(t, b, "test", "Run the test suite.")
	addTemplate(t, b, "lint", "Run the lint checks.")

	def := Definition{
		Name:     "verify",
		Provider: store.AssistantClaude,
		Steps:    []Step{{Parallel: []Step{{Command: "test"}, {Command: "lint"}}}},
	}
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "verify",
		WorkingDir:   t.TempDir(),
		Emit:         func(string) {},
	})
	if err == nil || !strings.Contains(err.Error(), "lint") {
		t.Fatalf("Execute error = %v, want the failing branch surfaced", err)
	}
	if run := singleRun(t, b); run.Status != store.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}

func TestExecuteParallelEmitsEveryBranch(t *testing.T) {
	a := &scriptedAssistant{respond: func(_ int, req assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		if strings.Contains(req.Prompt, "lint") {
			return &assistant.InvokeResult{Text: "lint clean"}, nil
		}
		return &assistant.InvokeResult{Text: "tests pass"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)
	addTemplate(t, b, "test", "Run the test suite.")
	addTemplate(t, b, "lint", "Run the lint checks.")

	def := Definition{
		Name:     "verify",
		Provider: store.AssistantClaude,
		Steps:    []Step{{Parallel: []Step{{Command: "test"}, {Command: "lint"}}}},
	}
	var mu sync.Mutex
	var out []string
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "verify",
		WorkingDir:   t.TempDir(),
		Emit: func(s string) {
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Branch ordering is unspecified, both outputs must arrive.
	got := strings.Join(out, "\n")
	for _, want := range []string{"tests pass", "lint clean"} {
		if !strings.Contains(got, want) {
			t.Errorf("emitted output %q missing %q", got, want)
		}
	}
	if run := singleRun(t, b); run.Status != store.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
}

func TestExecuteSequentialStepsResumeSession(t *testing.T) {
	a := &scriptedAssistant{respond: func(n int, _ assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		return &assistant.InvokeResult{Text: "done", SessionID: "tok-0"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)
	addTemplate(t, b, "plan", "Write a plan.")
	addTemplate(t, b, "implement", "Implement the plan.")

	def := Definition{
		Name:     "implement-issue",
		Provider: store.AssistantClaude,
		Steps:    []Step{{Command: "plan"}, {Command: "implement"}},
	}
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "implement-issue",
		WorkingDir:   t.TempDir(),
		Emit:         func(string) {},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := a.call(0).SessionIDToResume; got != "" {
		t.Errorf("first step resume token = %q, want empty", got)
	}
	if got := a.call(1).SessionIDToResume; got != "tok-0" {
		t.Errorf("second step resume token = %q, want tok-0", got)
	}
	if got := b.Sessions.CreatedCount(); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestExecuteClearContextStartsFreshSession(t *testing.T) {
	a := &scriptedAssistant{respond: func(n int, _ assistant.InvokeRequest) (*assistant.InvokeResult, error) {
		return &assistant.InvokeResult{Text: "done", SessionID: "tok-0"}, nil
	}}
	eng, b, conv := newTestEngine(t, a)
	addTemplate(t, b, "plan", "Write a plan.")
	addTemplate(t, b, "implement", "Implement the plan.")

	def := Definition{
		Name:     "implement-issue",
		Provider: store.AssistantClaude,
		Steps:    []Step{{Command: "plan"}, {Command: "implement", ClearContext: true}},
	}
	err := eng.Execute(context.Background(), RunInput{
		Conversation: conv,
		Def:          def,
		UserMessage:  "implement-issue",
		WorkingDir:   t.TempDir(),
		Emit:         func(string) {},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := a.call(1).SessionIDToResume; got != "" {
		t.Errorf("clear-context step resume token = %q, want empty", got)
	}
	if got := b.Sessions.CreatedCount(); got != 2 {
		t.Errorf("sessions created = %d, want 2", got)
	}
}
