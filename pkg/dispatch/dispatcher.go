// Package dispatch turns inbound activities into streamed replies. One
// activity maps to one turn: classify, gate, then route to the install,
// message, or notification path. Every failure past the gate becomes
// conversational text; nothing here returns an error to the caller.
package dispatch

import (
	"context"
	"fmt"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/auth"
	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/gate"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/session"
	"github.com/turnpikelabs/turnpike/pkg/stream"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/tools"
	"github.com/turnpikelabs/turnpike/pkg/trace"
)

const (
	ReplyEmptyMessage = "Please send me a message and I'll do my best to help."
	ReplyNoResponse   = "I've completed processing but have no response to give."
	ReplyWorking      = "Working... 🔧"
)

type Dispatcher struct {
	cfg       *config.Config
	sessions  *session.Store
	gate      *gate.Tracker
	tracer    *trace.Tracer
	tokens    auth.TokenExchanger
	toolCache *tools.Cache
	responder *Responder
}

func NewDispatcher(cfg *config.Config, sessions *session.Store, gateTracker *gate.Tracker, tracer *trace.Tracer, tokens auth.TokenExchanger, toolCache *tools.Cache, responder *Responder) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		gate:      gateTracker,
		tracer:    tracer,
		tokens:    tokens,
		toolCache: toolCache,
		responder: responder,
	}
}

// HandleTurn processes one activity to completion. The sink is closed
// exactly once on every path, cancellation included; the trace scope
// likewise ends exactly once.
func (d *Dispatcher) HandleTurn(ctx context.Context, act activity.Activity, sink stream.Sink) {
	cls := activity.Classify(act)

	scope := d.tracer.StartScope(cls.Operation(), cls.AuthHandler, act.ConversationID)
	defer scope.End()
	defer sink.EndStream()

	handle := d.sessions.Acquire(act.ConversationID)
	defer handle.Release()

	switch cls.Category {
	case activity.CategoryInstall:
		reply := d.gate.OnInstallationUpdate(handle.State(), act)
		d.saveSession(handle)
		sink.QueueTextChunk(reply)
		scope.RecordOutput(reply)

	case activity.CategoryNotification:
		// The install check always applies; the config flag scopes only
		// the terms gate.
		check := d.gate.CheckInstall(handle.State())
		if !check.Blocked && d.cfg.Gating.ApplyToNotifications {
			check = d.gate.Check(handle.State(), act)
		}
		if check.Blocked {
			d.saveSession(handle)
			sink.QueueTextChunk(check.Reply)
			scope.RecordOutput(check.Reply)
			return
		}
		d.saveSession(handle)
		d.handleNotification(ctx, handle, act, cls, sink, scope)

	default:
		scope.RecordInput(act.Text)
		if res := d.gate.Check(handle.State(), act); res.Blocked {
			d.saveSession(handle)
			sink.QueueTextChunk(res.Reply)
			scope.RecordOutput(res.Reply)
			return
		}
		d.saveSession(handle)

		if act.IsEmptyText() {
			sink.QueueTextChunk(ReplyEmptyMessage)
			scope.RecordOutput(ReplyEmptyMessage)
			return
		}
		d.handleMessage(ctx, handle, act, cls, sink, scope)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, handle *session.Handle, act activity.Activity, cls activity.Classification, sink stream.Sink, scope *trace.Scope) {
	sink.QueueInformativeUpdate(ReplyWorking)

	registry := d.discoverTools(ctx, cls.AuthHandler, act, handle)

	st := handle.State()
	threadID := st.ThreadID
	minted := false
	if threadID == "" {
		threadID = thread.NewThreadID()
		minted = true
	}

	text, err := d.responder.Generate(ctx, Ask{
		ThreadID:       threadID,
		ConversationID: act.ConversationID,
		Operation:      cls.Operation(),
		Prompt:         act.Text,
		Registry:       registry,
		Sink:           sink,
	})
	if err != nil {
		scope.RecordError(err)
		logger.ErrorCF("dispatch", "Message turn failed",
			map[string]any{"conversation_id": act.ConversationID, "error": err.Error()})
		sink.QueueTextChunk(fmt.Sprintf("Sorry, I encountered an error: %v", err))
		return
	}

	if minted {
		st.ThreadID = threadID
		d.saveSession(handle)
	}

	if text == "" {
		text = ReplyNoResponse
		sink.QueueTextChunk(text)
	}
	scope.RecordOutput(text)
}

// discoverTools resolves the tool registry for this turn's cache key,
// running MCP discovery at most once per key. Discovery is fail-soft: any
// error leaves the turn with an empty registry.
func (d *Dispatcher) discoverTools(ctx context.Context, authHandler string, act activity.Activity, handle *session.Handle) *tools.Registry {
	if !d.cfg.Tools.MCP.Enabled {
		return tools.NewRegistry()
	}

	key := d.toolCache.Key(act.ConversationID, act.SenderID)
	if st := handle.State(); st.ToolCacheKey != key {
		st.ToolCacheKey = key
		d.saveSession(handle)
	}

	return d.toolCache.GetOrLoad(key, func() *tools.Registry {
		registry := tools.NewRegistry()
		token, err := d.tokens.Token(ctx, authHandler)
		if err != nil {
			logger.WarnCF("dispatch", "Token exchange failed, discovering without credentials",
				map[string]any{"handler": authHandler, "error": err.Error()})
			token = ""
		}
		for _, t := range tools.LoadMCPTools(ctx, d.cfg.Tools.MCP, token) {
			registry.Register(t)
		}
		return registry
	})
}

func (d *Dispatcher) saveSession(handle *session.Handle) {
	if err := handle.Save(); err != nil {
		logger.WarnCF("dispatch", "Session save failed",
			map[string]any{"conversation_id": handle.ConversationID(), "error": err.Error()})
	}
}
