// Package assistant wraps the external AI assistant CLIs behind one client
// interface. Each invocation runs a subprocess in the conversation's working
// directory and yields a resumable session identifier.
package assistant

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// InvokeRequest describes one assistant invocation.
type InvokeRequest struct {
	Prompt           string
	WorkingDirectory string
	// SessionIDToResume is the opaque token from a previous InvokeResult;
	// empty starts a fresh assistant session.
	SessionIDToResume string
	Model             string
	// OnChunk, when non-nil, receives incremental text as it streams from
	// the CLI. Batch consumers leave it nil and read Text from the result.
	OnChunk func(text string)
}

// InvokeResult is the outcome of a completed invocation.
type InvokeResult struct {
	// SessionID resumes this assistant context later. Opaque: persisted to
	// Session.assistant_session_id, never parsed.
	SessionID string
	// Text is the consolidated assistant output.
	Text string
}

// Client invokes one kind of assistant CLI.
type Client interface {
	Type() store.AssistantType
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// Registry maps assistant types to clients.
type Registry struct {
	clients map[store.AssistantType]Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[store.AssistantType]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Type()] = c
	}
	return r
}

// Get returns the client for an assistant type.
func (r *Registry) Get(t store.AssistantType) (Client, error) {
	c, ok := r.clients[t]
	if !ok {
		return nil, fmt.Errorf("no assistant client registered for %q", t)
	}
	return c, nil
}
