// Package bus decouples platform adapters from the orchestrator with an
// in-process message queue. Adapters publish inbound messages and lifecycle
// events; the orchestrator consumes them and replies through the adapter
// registry directly.
package bus

import "context"

// InboundMessage is one user message routed to a conversation.
type InboundMessage struct {
	PlatformType           string
	PlatformConversationID string
	Text                   string
	// ParentConversationID, when set, names an existing conversation whose
	// codebase/cwd/assistant the new conversation inherits at creation.
	ParentConversationID string
	ThreadContext        string
}

// ConversationClosed signals that the platform-side conversation ended
// (e.g. a GitHub issue or PR was closed) and its resources may be reclaimed.
type ConversationClosed struct {
	PlatformType           string
	PlatformConversationID string
}

// MessageBus carries inbound traffic from adapters to the orchestrator.
type MessageBus struct {
	inbound chan InboundMessage
	closed  chan ConversationClosed
}

// New creates a bus with bounded buffers; publishers block when the
// orchestrator falls behind, which is the intended backpressure.
func New() *MessageBus {
	return &MessageBus{
		inbound: make(chan InboundMessage, 256),
		closed:  make(chan ConversationClosed, 64),
	}
}

// PublishInbound enqueues a message for processing.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks for the next message; ok is false when ctx ends.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishClosed enqueues a conversation-closed event.
func (b *MessageBus) PublishClosed(ev ConversationClosed) {
	b.closed <- ev
}

// ConsumeClosed blocks for the next closed event; ok is false when ctx ends.
func (b *MessageBus) ConsumeClosed(ctx context.Context) (ConversationClosed, bool) {
	select {
	case ev := <-b.closed:
		return ev, true
	case <-ctx.Done():
		return ConversationClosed{}, false
	}
}
