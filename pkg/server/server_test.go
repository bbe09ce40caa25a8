package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turnpikelabs/turnpike/pkg/auth"
	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/dispatch"
	"github.com/turnpikelabs/turnpike/pkg/failover"
	"github.com/turnpikelabs/turnpike/pkg/gate"
	"github.com/turnpikelabs/turnpike/pkg/providers"
	"github.com/turnpikelabs/turnpike/pkg/session"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/tools"
	"github.com/turnpikelabs/turnpike/pkg/trace"
	"github.com/turnpikelabs/turnpike/pkg/usage"
)

type cannedProvider struct{ reply string }

func (p *cannedProvider) Name() string { return "fake" }

func (p *cannedProvider) Chat(_ context.Context, _ []providers.Message, _ []providers.ToolDefinition, _ providers.ChatOptions) (*providers.Response, error) {
	return &providers.Response{Content: p.reply}, nil
}

func newTestServer(t *testing.T, reply string) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Tools.MCP.Enabled = false

	provider := &cannedProvider{reply: reply}
	router := failover.NewManager(provider, "fake-model", nil, "", time.Minute)
	threads := thread.NewManager(filepath.Join(cfg.Agent.Workspace, "threads"))
	usageStore := usage.NewStore(cfg.Agent.Workspace)
	sessions := session.NewStore(filepath.Join(cfg.Agent.Workspace, "sessions"))

	responder := dispatch.NewResponder(cfg, router, threads, usageStore)
	dispatcher := dispatch.NewDispatcher(cfg, sessions, gate.NewTracker(), trace.NewTracer(nil),
		auth.StaticExchanger{}, tools.NewCache(cfg.Tools.CacheScope), responder)

	return NewServer(cfg, dispatcher, usageStore)
}

func postActivity(t *testing.T, ts *httptest.Server, payload string) activityResponse {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/activities", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var out activityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func TestActivityEndpointFullFlow(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, "the answer").Handler())
	defer ts.Close()

	install := postActivity(t, ts, `{"type":"installationUpdate","action":"add","conversation_id":"c1","is_agentic_request":true}`)
	if !strings.Contains(install.Text, "ready to help") {
		t.Fatalf("unexpected install reply: %q", install.Text)
	}

	msg := postActivity(t, ts, `{"type":"message","text":"hello","conversation_id":"c1"}`)
	if msg.Text != "the answer" {
		t.Fatalf("unexpected reply: %q", msg.Text)
	}
	if len(msg.Updates) == 0 || msg.Updates[0] != dispatch.ReplyWorking {
		t.Errorf("expected working update, got %v", msg.Updates)
	}
	if msg.CorrelationID == "" {
		t.Error("correlation id should be assigned")
	}
}

func TestActivityEndpointRejectsBadPayload(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, "x").Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/activities", "application/json", bytes.NewBufferString(`{"type":"message"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing conversation_id, got %d", resp.StatusCode)
	}
}

func TestHealthAndUsageEndpoints(t *testing.T) {
	srv := newTestServer(t, "hi")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status: %d", resp.StatusCode)
	}

	postActivity(t, ts, `{"type":"installationUpdate","action":"add","conversation_id":"c1","is_agentic_request":true}`)
	postActivity(t, ts, `{"type":"message","text":"hello","conversation_id":"c1"}`)

	resp, err = http.Get(ts.URL + "/api/usage")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("expected one usage record, got %d", body.Count)
	}
}

func TestWebSocketChannel(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, "streamed reply").Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conversation_id=c1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	readUntilDone := func() []wsOutbound {
		var frames []wsOutbound
		for {
			var f wsOutbound
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := ws.ReadJSON(&f); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			frames = append(frames, f)
			if f.Type == "done" {
				return frames
			}
		}
	}

	installFrames := readUntilDone()
	if len(installFrames) < 2 || installFrames[0].Type != "chunk" {
		t.Fatalf("unexpected install frames: %v", installFrames)
	}

	if err := ws.WriteJSON(wsInbound{Text: "hello"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frames := readUntilDone()

	var sawUpdate bool
	var text strings.Builder
	for _, f := range frames {
		switch f.Type {
		case "update":
			sawUpdate = true
		case "chunk":
			text.WriteString(f.Content)
		}
	}
	if !sawUpdate {
		t.Error("expected a progress update frame")
	}
	if text.String() != "streamed reply" {
		t.Errorf("unexpected assembled text: %q", text.String())
	}
}
