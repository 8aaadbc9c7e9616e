// Package adapters connects chat platforms to the message bus. Each adapter
// translates platform-native updates into inbound messages and delivers the
// orchestrator's replies back out.
package adapters

import (
	"context"
	"fmt"
)

// StreamingMode declares how an adapter wants assistant output delivered.
type StreamingMode string

const (
	// ModeStream: forward text chunks as they arrive.
	ModeStream StreamingMode = "stream"
	// ModeBatch: deliver one consolidated message per invocation.
	ModeBatch StreamingMode = "batch"
)

// Adapter is one connected platform.
type Adapter interface {
	PlatformType() string
	StreamingMode() StreamingMode
	// SendMessage delivers text to a platform-native conversation, splitting
	// it to fit platform limits as needed.
	SendMessage(ctx context.Context, platformConversationID, text string) error
	// Start begins receiving; it returns once the adapter is connected.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry maps platform types to running adapters.
type Registry struct {
	byType map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byType: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.byType[a.PlatformType()] = a
	}
	return r
}

func (r *Registry) Get(platformType string) (Adapter, error) {
	a, ok := r.byType[platformType]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %q", platformType)
	}
	return a, nil
}

func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.byType))
	for _, a := range r.byType {
		out = append(out, a)
	}
	return out
}
