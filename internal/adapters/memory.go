package adapters

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/archon/internal/bus"
)

// Memory is an in-process adapter used by tests and local tooling: Inject
// feeds messages in, Sent collects everything sent back.
type Memory struct {
	platform string
	mode     StreamingMode
	msgBus   *bus.MessageBus

	mu   sync.Mutex
	sent map[string][]string
}

func NewMemory(platform string, mode StreamingMode, msgBus *bus.MessageBus) *Memory {
	return &Memory{
		platform: platform,
		mode:     mode,
		msgBus:   msgBus,
		sent:     make(map[string][]string),
	}
}

func (m *Memory) PlatformType() string         { return m.platform }
func (m *Memory) StreamingMode() StreamingMode { return m.mode }

func (m *Memory) Start(ctx context.Context) error { return nil }
func (m *Memory) Stop(ctx context.Context) error  { return nil }

func (m *Memory) SendMessage(ctx context.Context, platformConversationID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[platformConversationID] = append(m.sent[platformConversationID], text)
	return nil
}

// Inject publishes a user message as if it arrived from the platform.
func (m *Memory) Inject(platformConversationID, text string) {
	m.msgBus.PublishInbound(bus.InboundMessage{
		PlatformType:           m.platform,
		PlatformConversationID: platformConversationID,
		Text:                   text,
	})
}

// Sent returns a copy of everything sent to a conversation.
func (m *Memory) Sent(platformConversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent[platformConversationID]))
	copy(out, m.sent[platformConversationID])
	return out
}
