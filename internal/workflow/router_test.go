package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

type stubRuns struct {
	store.RunStore
	running *store.WorkflowRun
}

func (s *stubRuns) FindRunning(ctx context.Context, conversationID uuid.UUID) (*store.WorkflowRun, error) {
	return s.running, nil
}

type stubSessions struct {
	store.SessionStore
	active *store.Session
}

func (s *stubSessions) GetActive(ctx context.Context, conversationID uuid.UUID) (*store.Session, error) {
	return s.active, nil
}

func routerForTest(running *store.WorkflowRun) (*Router, *Registry) {
	reg := NewRegistry()
	r := NewRouter(nil, reg, NewResolver(nil, nil), &stubRuns{running: running}, &stubSessions{})
	return r, reg
}

func TestRouteBusyWhileRunning(t *testing.T) {
	conv := &store.Conversation{ID: store.NewID()}
	r, _ := routerForTest(&store.WorkflowRun{ID: store.NewID(), Status: store.RunRunning})

	route, err := r.Route(context.Background(), conv, nil, "anything", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route.Decision != DecisionBusy {
		t.Fatalf("Decision = %v, want DecisionBusy", route.Decision)
	}
}

func TestRouteMatchesWorkflowByFirstToken(t *testing.T) {
	conv := &store.Conversation{ID: store.NewID()}
	cb := &store.Codebase{ID: store.NewID(), Name: "acme/api"}
	r, reg := routerForTest(nil)
	reg.byCB[cb.ID] = map[string]Definition{
		"implement-issue": {Name: "implement-issue", Steps: []Step{{Command: "plan"}}},
	}

	route, err := r.Route(context.Background(), conv, cb, "implement-issue 42 high-priority", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route.Decision != DecisionWorkflow {
		t.Fatalf("Decision = %v, want DecisionWorkflow", route.Decision)
	}
	if route.Def.Name != "implement-issue" {
		t.Errorf("Def.Name = %q", route.Def.Name)
	}
	if len(route.Args) != 2 || route.Args[0] != "42" || route.Args[1] != "high-priority" {
		t.Errorf("Args = %v, want [42 high-priority]", route.Args)
	}
}

func TestRoutePlainWhenNoMatch(t *testing.T) {
	conv := &store.Conversation{ID: store.NewID()}
	cb := &store.Codebase{ID: store.NewID()}
	r, _ := routerForTest(nil)

	route, err := r.Route(context.Background(), conv, cb, "please fix the login bug", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route.Decision != DecisionPlain {
		t.Fatalf("Decision = %v, want DecisionPlain", route.Decision)
	}
}

func TestRoutePlainWithoutCodebase(t *testing.T) {
	conv := &store.Conversation{ID: store.NewID()}
	r, _ := routerForTest(nil)

	route, err := r.Route(context.Background(), conv, nil, "implement-issue 42", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if route.Decision != DecisionPlain {
		t.Fatalf("Decision = %v, want DecisionPlain (no codebase, no workflows)", route.Decision)
	}
}
