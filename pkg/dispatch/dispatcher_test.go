package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/auth"
	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/failover"
	"github.com/turnpikelabs/turnpike/pkg/gate"
	"github.com/turnpikelabs/turnpike/pkg/providers"
	"github.com/turnpikelabs/turnpike/pkg/session"
	"github.com/turnpikelabs/turnpike/pkg/stream"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/tools"
	"github.com/turnpikelabs/turnpike/pkg/trace"
	"github.com/turnpikelabs/turnpike/pkg/usage"
)

// scriptProvider replays canned responses in order and records the
// prompts it was asked.
type scriptProvider struct {
	mu        sync.Mutex
	responses []*providers.Response
	errs      []error
	prompts   []string
	calls     int
}

func (p *scriptProvider) Name() string { return "fake" }

func (p *scriptProvider) Chat(_ context.Context, messages []providers.Message, _ []providers.ToolDefinition, opts providers.ChatOptions) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(messages) > 0 {
		p.prompts = append(p.prompts, messages[len(messages)-1].Content)
	}
	i := p.calls
	p.calls++

	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		resp := p.responses[i]
		if opts.OnChunk != nil && resp.Content != "" {
			opts.OnChunk(resp.Content)
		}
		return resp, nil
	}
	return &providers.Response{Content: "ok"}, nil
}

type recordCollector struct {
	mu   sync.Mutex
	recs []trace.Record
}

func (c *recordCollector) Export(rec trace.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func (c *recordCollector) last(t *testing.T) trace.Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs) == 0 {
		t.Fatal("no trace records exported")
	}
	return c.recs[len(c.recs)-1]
}

type harness struct {
	dispatcher *Dispatcher
	provider   *scriptProvider
	exporter   *recordCollector
	sessions   *session.Store
	usage      *usage.Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Tools.MCP.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	provider := &scriptProvider{}
	router := failover.NewManager(provider, "fake-model", nil, "", time.Minute)
	threads := thread.NewManager(filepath.Join(cfg.Agent.Workspace, "threads"))
	usageStore := usage.NewStore(cfg.Agent.Workspace)
	sessions := session.NewStore(filepath.Join(cfg.Agent.Workspace, "sessions"))
	exporter := &recordCollector{}

	responder := NewResponder(cfg, router, threads, usageStore)
	d := NewDispatcher(cfg, sessions, gate.NewTracker(), trace.NewTracer(exporter),
		auth.StaticExchanger{}, tools.NewCache(cfg.Tools.CacheScope), responder)

	return &harness{dispatcher: d, provider: provider, exporter: exporter, sessions: sessions, usage: usageStore}
}

func (h *harness) install(t *testing.T, conversationID string, agentic bool) {
	t.Helper()
	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:             activity.TypeInstallationUpdate,
		Action:           activity.InstallActionAdd,
		ConversationID:   conversationID,
		IsAgenticRequest: agentic,
	}, sink)
}

func messageActivity(conversationID, text string) activity.Activity {
	return activity.Activity{
		Type:           activity.TypeMessage,
		ConversationID: conversationID,
		SenderID:       "user-1",
		Text:           text,
	}
}

func TestMessageBeforeInstallBlocked(t *testing.T) {
	h := newHarness(t, nil)
	sink := &stream.CollectingSink{}

	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), sink)

	if got := sink.FinalText(); got != gate.ReplyNotInstalled {
		t.Fatalf("expected install prompt, got %q", got)
	}
	if h.provider.calls != 0 {
		t.Errorf("no model call expected before install, got %d", h.provider.calls)
	}
	if !sink.Ended() {
		t.Error("sink must be closed")
	}
}

func TestTermsFlowThenMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{{Content: "hi there"}}
	h.install(t, "c1", false)

	blocked := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), blocked)
	if blocked.FinalText() != gate.ReplyTermsPending {
		t.Fatalf("expected terms pending, got %q", blocked.FinalText())
	}

	accept := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", " i ACCEPT "), accept)
	if accept.FinalText() != gate.ReplyTermsAccepted {
		t.Fatalf("expected acceptance ack, got %q", accept.FinalText())
	}
	if h.provider.calls != 0 {
		t.Fatalf("acceptance turn must not reach the model, calls=%d", h.provider.calls)
	}

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello again"), sink)
	if sink.FinalText() != "hi there" {
		t.Fatalf("expected model reply, got %q", sink.FinalText())
	}
	if len(sink.Updates) == 0 || sink.Updates[0] != ReplyWorking {
		t.Errorf("expected working update first, got %v", sink.Updates)
	}
}

func TestAgenticInstallSkipsTerms(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{{Content: "done"}}
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "go"), sink)
	if sink.FinalText() != "done" {
		t.Fatalf("expected model reply without terms gate, got %q", sink.FinalText())
	}
}

func TestEmptyMessageShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "   "), sink)

	if sink.FinalText() != ReplyEmptyMessage {
		t.Fatalf("expected empty-message prompt, got %q", sink.FinalText())
	}
	if h.provider.calls != 0 {
		t.Errorf("no model call expected for empty text, got %d", h.provider.calls)
	}
}

func TestAuthHandlerDerivation(t *testing.T) {
	h := newHarness(t, nil)
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	act := messageActivity("c1", "hello")
	act.IsAgenticRequest = true
	h.dispatcher.HandleTurn(context.Background(), act, sink)

	rec := h.exporter.last(t)
	if rec.AuthHandler != "agentic" || rec.Operation != "invoke_agent" {
		t.Fatalf("unexpected scope identity: %+v", rec)
	}

	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), &stream.CollectingSink{})
	if rec := h.exporter.last(t); rec.AuthHandler != "me" {
		t.Fatalf("expected delegated handler, got %+v", rec)
	}
}

func TestProviderErrorBecomesChatText(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.errs = []error{errors.New("model exploded")}
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), sink)

	got := sink.FinalText()
	if !strings.HasPrefix(got, "Sorry, I encountered an error:") || !strings.Contains(got, "model exploded") {
		t.Fatalf("unexpected error text: %q", got)
	}
	if !sink.Ended() {
		t.Error("sink must be closed on error")
	}
	if rec := h.exporter.last(t); rec.Err == nil {
		t.Error("scope should record the error")
	}
}

func TestEmptyModelResultCanned(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{{Content: ""}}
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), sink)

	if sink.FinalText() != ReplyNoResponse {
		t.Fatalf("expected canned no-response text, got %q", sink.FinalText())
	}
}

func TestThreadPersistsOnlyAfterSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.errs = []error{errors.New("down")}
	h.provider.responses = []*providers.Response{nil, {Content: "recovered"}}
	h.install(t, "c1", true)

	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "first"), &stream.CollectingSink{})
	handle := h.sessions.Acquire("c1")
	threadAfterFailure := handle.State().ThreadID
	handle.Release()
	if threadAfterFailure != "" {
		t.Fatalf("thread id must not persist after a failed call, got %q", threadAfterFailure)
	}

	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "second"), &stream.CollectingSink{})
	handle = h.sessions.Acquire("c1")
	threadAfterSuccess := handle.State().ThreadID
	handle.Release()
	if threadAfterSuccess == "" {
		t.Fatal("thread id should persist after a successful call")
	}
}

func TestEmailNotificationTwoHop(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{
		{Content: "Subject: weekly report. Please summarize attachment."},
		{Content: "Here is the summary you asked for."},
	}
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:             activity.TypeNotification,
		ConversationID:   "c1",
		IsAgenticRequest: true,
		Notification: &activity.Notification{
			Type:  activity.NotificationEmail,
			Email: &activity.EmailPayload{ID: "msg-1", ConversationID: "email-conv-1"},
		},
	}, sink)

	if sink.FinalText() != "Here is the summary you asked for." {
		t.Fatalf("expected hop-2 output streamed, got %q", sink.FinalText())
	}
	if h.provider.calls != 2 {
		t.Fatalf("expected two sequential hops, got %d calls", h.provider.calls)
	}
	if !strings.Contains(h.provider.prompts[0], "msg-1") {
		t.Errorf("hop 1 should reference the email id, got %q", h.provider.prompts[0])
	}
	if !strings.Contains(h.provider.prompts[1], "weekly report") {
		t.Errorf("hop 2 should embed hop 1 output, got %q", h.provider.prompts[1])
	}
	if !strings.Contains(h.provider.prompts[1], "You have received the following email") {
		t.Errorf("hop 2 framing missing, got %q", h.provider.prompts[1])
	}
}

func TestEmailNotificationMissingPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:             activity.TypeNotification,
		ConversationID:   "c1",
		IsAgenticRequest: true,
		Notification:     &activity.Notification{Type: activity.NotificationEmail},
	}, sink)

	if sink.FinalText() != ReplyEmailPayloadMissing {
		t.Fatalf("expected missing-payload reply, got %q", sink.FinalText())
	}
	if h.provider.calls != 0 {
		t.Errorf("no model call for missing payload, got %d", h.provider.calls)
	}
}

func TestWpxNotificationFailureApology(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.errs = []error{errors.New("retrieval broke")}
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:             activity.TypeNotification,
		ConversationID:   "c1",
		IsAgenticRequest: true,
		Notification: &activity.Notification{
			Type:       activity.NotificationWpxComment,
			WpxComment: &activity.WpxCommentPayload{DocumentID: "doc-1", InitiatingCommentID: "cmt-1"},
		},
	}, sink)

	if sink.FinalText() != ReplyWpxFailure {
		t.Fatalf("expected wpx apology, got %q", sink.FinalText())
	}
	if !sink.Ended() {
		t.Error("sink must be closed after failure")
	}
}

func TestUnknownNotificationUnsupported(t *testing.T) {
	h := newHarness(t, nil)
	h.install(t, "c1", true)

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:             activity.TypeNotification,
		ConversationID:   "c1",
		IsAgenticRequest: true,
		Notification:     &activity.Notification{Type: activity.NotificationUnknown},
	}, sink)

	if sink.FinalText() != ReplyUnsupportedKind {
		t.Fatalf("expected unsupported reply, got %q", sink.FinalText())
	}
}

func TestNotificationGatingFlag(t *testing.T) {
	notif := func(conv string) activity.Activity {
		return activity.Activity{
			Type:           activity.TypeNotification,
			ConversationID: conv,
			Notification: &activity.Notification{
				Type:  activity.NotificationEmail,
				Email: &activity.EmailPayload{ID: "msg-1"},
			},
		}
	}

	gated := newHarness(t, nil)
	gated.install(t, "c1", false)
	sink := &stream.CollectingSink{}
	gated.dispatcher.HandleTurn(context.Background(), notif("c1"), sink)
	if sink.FinalText() != gate.ReplyTermsPending {
		t.Fatalf("gated deployment should block notification, got %q", sink.FinalText())
	}

	open := newHarness(t, func(cfg *config.Config) { cfg.Gating.ApplyToNotifications = false })
	open.provider.responses = []*providers.Response{{Content: "retrieved"}, {Content: "answered"}}
	open.install(t, "c1", false)
	sink = &stream.CollectingSink{}
	open.dispatcher.HandleTurn(context.Background(), notif("c1"), sink)
	if sink.FinalText() != "answered" {
		t.Fatalf("ungated deployment should process notification, got %q", sink.FinalText())
	}
}

func TestNotificationBeforeInstallUngated(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Gating.ApplyToNotifications = false })
	h.provider.responses = []*providers.Response{{Content: "retrieved"}, {Content: "answered"}}

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), activity.Activity{
		Type:           activity.TypeNotification,
		ConversationID: "c1",
		Notification: &activity.Notification{
			Type:  activity.NotificationEmail,
			Email: &activity.EmailPayload{ID: "msg-1"},
		},
	}, sink)

	if sink.FinalText() != gate.ReplyNotInstalled {
		t.Fatalf("not-installed conversation must get the install prompt, got %q", sink.FinalText())
	}
	if h.provider.calls != 0 {
		t.Fatalf("no model call before install, got %d", h.provider.calls)
	}
}

func TestToolIterationLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{
		{ToolCalls: []providers.ToolCall{{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "ping"}}}},
		{Content: "tool said: ping"},
	}
	h.install(t, "c1", true)

	// Inject a tool by priming the cache for this conversation's key.
	cache := tools.NewCache(config.ToolCacheScopeConversation)
	h.dispatcher.toolCache = cache
	h.dispatcher.cfg.Tools.MCP.Enabled = true
	cache.GetOrLoad(cache.Key("c1", "user-1"), func() *tools.Registry {
		r := tools.NewRegistry()
		r.Register(&echoTool{})
		return r
	})

	sink := &stream.CollectingSink{}
	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "use the tool"), sink)

	if sink.FinalText() != "tool said: ping" {
		t.Fatalf("expected final answer after tool round, got %q", sink.FinalText())
	}
	if h.provider.calls != 2 {
		t.Fatalf("expected two model calls around the tool, got %d", h.provider.calls)
	}
	if !strings.Contains(h.provider.prompts[1], "ping") {
		t.Errorf("tool result should be fed back, got %q", h.provider.prompts[1])
	}
}

func TestUsageRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.responses = []*providers.Response{{
		Content: "hi",
		Usage:   &providers.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	h.install(t, "c1", true)

	h.dispatcher.HandleTurn(context.Background(), messageActivity("c1", "hello"), &stream.CollectingSink{})

	recs := h.usage.Query(usage.Filter{ConversationID: "c1"})
	if len(recs) != 1 {
		t.Fatalf("expected one usage record, got %d", len(recs))
	}
	if !recs[0].UsageKnown || recs[0].TotalTokens != 15 {
		t.Errorf("unexpected usage record: %+v", recs[0])
	}
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes text" }

func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}

func (echoTool) Execute(_ context.Context, args map[string]any) *tools.ToolResult {
	text, _ := args["text"].(string)
	return &tools.ToolResult{ForLLM: "echo: " + text}
}
