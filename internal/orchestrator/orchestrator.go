// Package orchestrator consumes the message bus and drives each
// conversation: state lookup, built-in commands, workflow routing, and plain
// assistant invocations, all serialized per conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/archon/internal/adapters"
	"github.com/nextlevelbuilder/archon/internal/assistant"
	"github.com/nextlevelbuilder/archon/internal/bus"
	"github.com/nextlevelbuilder/archon/internal/cleanup"
	"github.com/nextlevelbuilder/archon/internal/commands"
	"github.com/nextlevelbuilder/archon/internal/config"
	"github.com/nextlevelbuilder/archon/internal/locker"
	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

// Orchestrator owns the message loop.
type Orchestrator struct {
	cfg        *config.Config
	stores     store.Stores
	locks      *locker.Manager
	commands   *commands.Handler
	router     *workflow.Router
	assistants *assistant.Registry
	adapters   *adapters.Registry
	msgBus     *bus.MessageBus
	cleaner    *cleanup.Scheduler
}

func New(cfg *config.Config, stores store.Stores, locks *locker.Manager, cmds *commands.Handler,
	router *workflow.Router, assistants *assistant.Registry, reg *adapters.Registry,
	msgBus *bus.MessageBus, cleaner *cleanup.Scheduler) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		stores:     stores,
		locks:      locks,
		commands:   cmds,
		router:     router,
		assistants: assistants,
		adapters:   reg,
		msgBus:     msgBus,
		cleaner:    cleaner,
	}
}

// Run consumes the bus until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.consumeClosed(ctx)
	for {
		msg, ok := o.msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go o.dispatch(ctx, msg)
	}
}

func convKey(platformType, platformConversationID string) string {
	return platformType + ":" + platformConversationID
}

// dispatch runs one message under its conversation's lock. Cancellation is
// the exception: it only flips run state, so it bypasses the lock a running
// workflow would be holding.
func (o *Orchestrator) dispatch(ctx context.Context, msg bus.InboundMessage) {
	adapter, err := o.adapters.Get(msg.PlatformType)
	if err != nil {
		slog.Error("message from unknown platform", "platform", msg.PlatformType)
		return
	}
	reply := func(text string) {
		if text == "" {
			return
		}
		if err := adapter.SendMessage(ctx, msg.PlatformConversationID, text); err != nil {
			slog.Error("failed to send reply",
				"platform", msg.PlatformType, "conversation", msg.PlatformConversationID, "error", err)
		}
	}

	if name, args, isCmd := commands.Parse(msg.Text); isCmd && name == "workflow" &&
		len(args) > 0 && args[0] == "cancel" {
		o.cancelWorkflow(ctx, msg, reply)
		return
	}

	err = o.locks.Acquire(ctx, convKey(msg.PlatformType, msg.PlatformConversationID), func(ctx context.Context) error {
		return o.process(ctx, adapter, msg, reply)
	})
	if errors.Is(err, locker.ErrShuttingDown) {
		reply("The server is shutting down. Please retry in a moment.")
		return
	}
	if err != nil {
		slog.Error("message handling failed",
			"platform", msg.PlatformType, "conversation", msg.PlatformConversationID, "error", err)
		reply(fmt.Sprintf("Error: %v", err))
	}
}

func (o *Orchestrator) cancelWorkflow(ctx context.Context, msg bus.InboundMessage, reply func(string)) {
	conv, err := o.stores.Conversations.FindByPlatform(ctx, msg.PlatformType, msg.PlatformConversationID)
	if err != nil {
		reply(fmt.Sprintf("Error: %v", err))
		return
	}
	if conv == nil {
		reply("No workflow is running.")
		return
	}
	res, err := o.commands.Handle(ctx, conv, "workflow", []string{"cancel"})
	if err != nil {
		reply(fmt.Sprintf("Error: %v", err))
		return
	}
	reply(res.Message)
}

func (o *Orchestrator) process(ctx context.Context, adapter adapters.Adapter, msg bus.InboundMessage, reply func(string)) error {
	conv, err := o.findOrCreate(ctx, msg)
	if err != nil {
		return err
	}
	if err := o.stores.Conversations.TouchActivity(ctx, conv.ID); err != nil {
		slog.Warn("failed to touch conversation activity", "conversation_id", conv.ID, "error", err)
	}

	name, args, isCmd := commands.Parse(msg.Text)
	if isCmd && o.commands.Known(name) {
		res, err := o.commands.Handle(ctx, conv, name, args)
		if err != nil {
			return err
		}
		reply(res.Message)
		return nil
	}

	var cb *store.Codebase
	if conv.CodebaseID != nil {
		cb, err = o.stores.Codebases.Get(ctx, *conv.CodebaseID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	route, err := o.router.Route(ctx, conv, cb, msg.Text, name, args)
	if err != nil {
		return err
	}
	switch route.Decision {
	case workflow.DecisionBusy:
		reply("A workflow is running in this conversation. Wait for it or use /workflow cancel.")
		return nil
	case workflow.DecisionWorkflow:
		return o.runWorkflow(ctx, adapter, conv, cb, msg, route, reply)
	case workflow.DecisionTemplate:
		return o.invokeAssistant(ctx, adapter, conv, cb, route.Prompt, reply)
	default:
		prompt := msg.Text
		if msg.ThreadContext != "" {
			prompt = msg.ThreadContext + "\n\n" + prompt
		}
		return o.invokeAssistant(ctx, adapter, conv, cb, prompt, reply)
	}
}

// findOrCreate maps the platform conversation to server-side state, creating
// it on first contact. A parent conversation's codebase, directory, and
// assistant are inherited at creation only.
func (o *Orchestrator) findOrCreate(ctx context.Context, msg bus.InboundMessage) (*store.Conversation, error) {
	conv, err := o.stores.Conversations.FindByPlatform(ctx, msg.PlatformType, msg.PlatformConversationID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &store.Conversation{
		PlatformType:           msg.PlatformType,
		PlatformConversationID: msg.PlatformConversationID,
		AssistantType:          o.cfg.DefaultAssistant,
	}
	if msg.ParentConversationID != "" {
		parent, err := o.stores.Conversations.FindByPlatform(ctx, msg.PlatformType, msg.ParentConversationID)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			conv.CodebaseID = parent.CodebaseID
			conv.Cwd = parent.Cwd
			conv.AssistantType = parent.AssistantType
		}
	}
	if err := o.stores.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	slog.Info("created conversation",
		"platform", msg.PlatformType, "conversation", msg.PlatformConversationID, "id", conv.ID)
	return conv, nil
}

func (o *Orchestrator) runWorkflow(ctx context.Context, adapter adapters.Adapter, conv *store.Conversation,
	cb *store.Codebase, msg bus.InboundMessage, route workflow.Route, reply func(string)) error {
	if cb == nil {
		reply("Workflows need a linked repository. Use /clone or /repo first.")
		return nil
	}
	reply(fmt.Sprintf("Starting workflow %s.", route.Def.Name))
	err := o.router.Engine().Execute(ctx, workflow.RunInput{
		Conversation: conv,
		Codebase:     cb,
		Def:          route.Def,
		UserMessage:  msg.Text,
		Args:         route.Args,
		WorkingDir:   o.workingDir(conv, cb),
		Streaming:    adapter.StreamingMode() == adapters.ModeStream,
		Emit:         reply,
	})
	if err != nil {
		reply(fmt.Sprintf("Workflow %s failed: %v", route.Def.Name, err))
		return nil
	}
	reply(fmt.Sprintf("Workflow %s completed.", route.Def.Name))
	return nil
}

// invokeAssistant runs one assistant turn in the conversation's context,
// resuming the active session and persisting the new resume token.
func (o *Orchestrator) invokeAssistant(ctx context.Context, adapter adapters.Adapter, conv *store.Conversation,
	cb *store.Codebase, prompt string, reply func(string)) error {
	client, err := o.assistants.Get(conv.AssistantType)
	if err != nil {
		return err
	}

	sess, err := o.stores.Sessions.GetActive(ctx, conv.ID)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &store.Session{
			ConversationID: conv.ID,
			CodebaseID:     conv.CodebaseID,
			AssistantType:  conv.AssistantType,
		}
		if err := o.stores.Sessions.Create(ctx, sess); err != nil {
			return err
		}
	}

	req := assistant.InvokeRequest{
		Prompt:            prompt,
		WorkingDirectory:  o.workingDir(conv, cb),
		SessionIDToResume: sess.AssistantSessionID,
	}
	streaming := adapter.StreamingMode() == adapters.ModeStream
	if streaming {
		req.OnChunk = reply
	}
	res, err := client.Invoke(ctx, req)
	if err != nil {
		return fmt.Errorf("assistant invocation: %w", err)
	}
	if res.SessionID != "" && res.SessionID != sess.AssistantSessionID {
		if err := o.stores.Sessions.SetAssistantSessionID(ctx, sess.ID, res.SessionID); err != nil {
			slog.Warn("failed to persist assistant session id", "session_id", sess.ID, "error", err)
		}
	}
	if !streaming {
		reply(res.Text)
	}
	return nil
}

func (o *Orchestrator) workingDir(conv *store.Conversation, cb *store.Codebase) string {
	if conv.Cwd != "" {
		return conv.Cwd
	}
	if cb != nil {
		return cb.DefaultCwd
	}
	return o.cfg.WorkspaceRoot
}

func (o *Orchestrator) consumeClosed(ctx context.Context) {
	for {
		ev, ok := o.msgBus.ConsumeClosed(ctx)
		if !ok {
			return
		}
		key := convKey(ev.PlatformType, ev.PlatformConversationID)
		err := o.locks.Acquire(ctx, key, func(ctx context.Context) error {
			return o.cleaner.OnConversationClosed(ctx, ev.PlatformType, ev.PlatformConversationID)
		})
		if err != nil && !errors.Is(err, locker.ErrShuttingDown) {
			slog.Error("conversation-closed handling failed", "conversation", key, "error", err)
		}
	}
}
