package workflow

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// Decision is what the router decided to do with an inbound message.
type Decision int

const (
	// DecisionPlain: forward the raw message to the assistant.
	DecisionPlain Decision = iota
	// DecisionBusy: a workflow run is in progress; drop the message with a
	// notice.
	DecisionBusy
	// DecisionTemplate: a slash command resolved to a registered command or
	// global template; invoke the assistant with the substituted prompt.
	DecisionTemplate
	// DecisionWorkflow: the message names a workflow; execute it.
	DecisionWorkflow
)

// Route is the router's verdict plus whatever the decision needs.
type Route struct {
	Decision Decision
	// Prompt is set for DecisionTemplate.
	Prompt string
	// Def and Args are set for DecisionWorkflow.
	Def  Definition
	Args []string
}

// Router decides what an inbound message means once the built-in slash
// commands have had their chance.
type Router struct {
	engine   *Engine
	registry *Registry
	resolver *Resolver
	runs     store.RunStore
	sessions store.SessionStore
}

func NewRouter(engine *Engine, registry *Registry, resolver *Resolver, runs store.RunStore, sessions store.SessionStore) *Router {
	return &Router{engine: engine, registry: registry, resolver: resolver, runs: runs, sessions: sessions}
}

// Engine exposes the executor for DecisionWorkflow routes.
func (r *Router) Engine() *Engine { return r.engine }

// Route classifies a message. cmdName/cmdArgs are the pre-parsed slash
// command pieces (cmdName empty for plain text). codebase may be nil.
func (r *Router) Route(ctx context.Context, conv *store.Conversation, codebase *store.Codebase, text, cmdName string, cmdArgs []string) (Route, error) {
	running, err := r.runs.FindRunning(ctx, conv.ID)
	if err != nil {
		return Route{}, err
	}
	if running != nil {
		return Route{Decision: DecisionBusy}, nil
	}

	if cmdName != "" {
		content, err := r.resolver.Resolve(ctx, codebase, cmdName)
		if err != nil {
			return Route{}, err
		}
		if content != "" {
			meta := map[string]any{}
			if sess, serr := r.sessions.GetActive(ctx, conv.ID); serr == nil && sess != nil {
				meta = sess.Metadata
			}
			return Route{
				Decision: DecisionTemplate,
				Prompt:   Substitute(content, cmdArgs, meta),
			}, nil
		}
		// Unknown slash command falls through to the assistant verbatim.
		return Route{Decision: DecisionPlain}, nil
	}

	// Workflow match: first whitespace token equals a workflow name for the
	// linked codebase. Deterministic, no model in the loop.
	if codebase != nil {
		fields := strings.Fields(text)
		if len(fields) > 0 {
			if def, ok := r.registry.Get(codebase.ID, fields[0]); ok {
				return Route{Decision: DecisionWorkflow, Def: def, Args: fields[1:]}, nil
			}
		}
	}
	return Route{Decision: DecisionPlain}, nil
}
