package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/archon/internal/assistant"
	"github.com/nextlevelbuilder/archon/internal/store"
)

// Engine executes workflow definitions, one assistant invocation per step.
type Engine struct {
	stores     store.Stores
	resolver   *Resolver
	assistants *assistant.Registry
}

func NewEngine(stores store.Stores, resolver *Resolver, assistants *assistant.Registry) *Engine {
	return &Engine{stores: stores, resolver: resolver, assistants: assistants}
}

// RunInput is everything one workflow execution needs.
type RunInput struct {
	Conversation *store.Conversation
	Codebase     *store.Codebase
	Def          Definition
	UserMessage  string
	Args         []string
	WorkingDir   string
	// Streaming controls whether chunks are emitted as they arrive or
	// buffered per invocation (the adapter's declared mode).
	Streaming bool
	// Emit delivers text to the conversation's adapter.
	Emit func(text string)
}

// Execute runs the workflow to a terminal state. The run row is created
// here; step errors mark it failed with the error in metadata.
func (e *Engine) Execute(ctx context.Context, in RunInput) error {
	run := &store.WorkflowRun{
		WorkflowName:   in.Def.Name,
		ConversationID: in.Conversation.ID,
		UserMessage:    in.UserMessage,
		Status:         store.RunRunning,
		Metadata:       map[string]any{},
	}
	if in.Codebase != nil {
		run.CodebaseID = &in.Codebase.ID
	}
	if err := e.stores.Runs.Create(ctx, run); err != nil {
		return fmt.Errorf("start workflow run: %w", err)
	}

	var execErr error
	if in.Def.IsLoop() {
		execErr = e.runLoop(ctx, run, in)
	} else {
		execErr = e.runSteps(ctx, run, in)
	}

	if execErr != nil {
		if merr := e.stores.Runs.MergeMetadata(ctx, run.ID, map[string]any{"error": execErr.Error()}); merr != nil {
			slog.Warn("failed to record workflow error", "run_id", run.ID, "error", merr)
		}
		if ferr := e.stores.Runs.Finish(ctx, run.ID, store.RunFailed); ferr != nil {
			slog.Warn("failed to mark workflow failed", "run_id", run.ID, "error", ferr)
		}
		return execErr
	}
	return e.stores.Runs.Finish(ctx, run.ID, store.RunCompleted)
}

func (e *Engine) runSteps(ctx context.Context, run *store.WorkflowRun, in RunInput) error {
	for i, step := range in.Def.Steps {
		if cancelled, err := e.cancelled(ctx, run, in.Conversation.ID); err != nil {
			return err
		} else if cancelled {
			slog.Info("workflow cancelled, stopping at step boundary",
				"workflow", in.Def.Name, "step", i)
			return nil
		}

		if len(step.Parallel) > 0 {
			if err := e.runParallel(ctx, run, in, step); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		} else {
			if err := e.runStep(ctx, run, in, step); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Command, err)
			}
		}

		if err := e.stores.Runs.AdvanceStep(ctx, run.ID, i+1); err != nil {
			slog.Warn("failed to advance workflow step", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// runStep resolves the step's command, applies the session policy, and
// invokes the assistant once.
func (e *Engine) runStep(ctx context.Context, run *store.WorkflowRun, in RunInput, step Step) error {
	prompt, err := e.stepPrompt(ctx, in, step.Command)
	if err != nil {
		return err
	}

	sess, err := e.sessionFor(ctx, in, step.ClearContext)
	if err != nil {
		return err
	}

	res, err := e.invoke(ctx, in, prompt, sess.AssistantSessionID, in.Streaming)
	if err != nil {
		return err
	}
	if res.SessionID != "" {
		if err := e.stores.Sessions.SetAssistantSessionID(ctx, sess.ID, res.SessionID); err != nil {
			slog.Warn("failed to persist assistant session id", "session_id", sess.ID, "error", err)
		}
	}
	if !in.Streaming && res.Text != "" {
		in.Emit(res.Text)
	}
	e.heartbeat(ctx, run.ID)
	return nil
}

// runParallel launches every branch concurrently in the same working
// directory and succeeds iff all branches succeed. Branch outputs are posted
// as each branch finishes; ordering between branches is unspecified. Branch
// session ids are not persisted, only sequential steps advance the
// conversation's resumable context.
func (e *Engine) runParallel(ctx context.Context, run *store.WorkflowRun, in RunInput, step Step) error {
	sess, err := e.sessionFor(ctx, in, false)
	if err != nil {
		return err
	}
	resumeID := sess.AssistantSessionID

	g, gctx := errgroup.WithContext(ctx)
	for _, branch := range step.Parallel {
		branch := branch
		g.Go(func() error {
			prompt, err := e.stepPrompt(gctx, in, branch.Command)
			if err != nil {
				return err
			}
			res, err := e.invoke(gctx, in, prompt, resumeID, false)
			if err != nil {
				return fmt.Errorf("parallel %s: %w", branch.Command, err)
			}
			if res.Text != "" {
				in.Emit(res.Text)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.heartbeat(ctx, run.ID)
	return nil
}

func (e *Engine) runLoop(ctx context.Context, run *store.WorkflowRun, in RunInput) error {
	loop := in.Def.Loop
	for iter := 1; iter <= loop.MaxIterations; iter++ {
		if cancelled, err := e.cancelled(ctx, run, in.Conversation.ID); err != nil {
			return err
		} else if cancelled {
			slog.Info("loop workflow cancelled", "workflow", in.Def.Name, "iteration", iter)
			return nil
		}

		sess, err := e.sessionFor(ctx, in, loop.FreshContext)
		if err != nil {
			return err
		}

		res, err := e.invoke(ctx, in, in.Def.Prompt, sess.AssistantSessionID, in.Streaming)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if res.SessionID != "" {
			if err := e.stores.Sessions.SetAssistantSessionID(ctx, sess.ID, res.SessionID); err != nil {
				slog.Warn("failed to persist assistant session id", "session_id", sess.ID, "error", err)
			}
		}
		if !in.Streaming && res.Text != "" {
			in.Emit(res.Text)
		}

		if err := e.stores.Runs.AdvanceStep(ctx, run.ID, iter); err != nil {
			slog.Warn("failed to advance loop iteration", "run_id", run.ID, "error", err)
		}
		e.heartbeat(ctx, run.ID)

		if strings.Contains(res.Text, loop.Until) {
			slog.Info("loop signal found", "workflow", in.Def.Name, "iteration", iter)
			return nil
		}
	}
	return fmt.Errorf("max_iterations reached (%d) without signal %q", loop.MaxIterations, loop.Until)
}

// stepPrompt resolves a command name and substitutes arguments and session
// metadata.
func (e *Engine) stepPrompt(ctx context.Context, in RunInput, command string) (string, error) {
	content, err := e.resolver.Resolve(ctx, in.Codebase, command)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", fmt.Errorf("unknown command %q", command)
	}
	meta := map[string]any{}
	if sess, err := e.stores.Sessions.GetActive(ctx, in.Conversation.ID); err == nil && sess != nil {
		meta = sess.Metadata
	}
	return Substitute(content, in.Args, meta), nil
}

// sessionFor applies the step's session policy: clearContext starts fresh,
// otherwise the active session (created on demand) is resumed.
func (e *Engine) sessionFor(ctx context.Context, in RunInput, clear bool) (*store.Session, error) {
	if clear {
		if err := e.stores.Sessions.DeactivateForConversation(ctx, in.Conversation.ID); err != nil {
			return nil, err
		}
	} else {
		sess, err := e.stores.Sessions.GetActive(ctx, in.Conversation.ID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	sess := &store.Session{
		ConversationID: in.Conversation.ID,
		AssistantType:  in.Def.Provider,
	}
	if in.Codebase != nil {
		sess.CodebaseID = &in.Codebase.ID
	}
	if err := e.stores.Sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) invoke(ctx context.Context, in RunInput, prompt, resumeID string, stream bool) (*assistant.InvokeResult, error) {
	client, err := e.assistants.Get(in.Def.Provider)
	if err != nil {
		return nil, err
	}
	req := assistant.InvokeRequest{
		Prompt:            prompt,
		WorkingDirectory:  in.WorkingDir,
		SessionIDToResume: resumeID,
		Model:             in.Def.Model,
	}
	if stream {
		req.OnChunk = in.Emit
	}
	return client.Invoke(ctx, req)
}

// cancelled reports whether the run lost its running status (e.g. /workflow
// cancel). Step boundaries are the cooperative cancellation points.
func (e *Engine) cancelled(ctx context.Context, run *store.WorkflowRun, conversationID uuid.UUID) (bool, error) {
	current, err := e.stores.Runs.FindRunning(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return current == nil || current.ID != run.ID, nil
}

// heartbeat is best-effort: database errors are logged, never raised.
func (e *Engine) heartbeat(ctx context.Context, runID uuid.UUID) {
	if err := e.stores.Runs.TouchActivity(ctx, runID); err != nil {
		slog.Debug("workflow heartbeat failed", "run_id", runID, "error", err)
	}
}
