package server

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Text string `json:"text"`
}

type wsOutbound struct {
	Type    string `json:"type"` // update|chunk|done
	Content string `json:"content,omitempty"`
}

// handleWebSocket runs the webchat channel. Each connection is one
// conversation; messages are processed one turn at a time, streaming
// updates and chunks as websocket frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("server", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer ws.Close()

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = "webchat-" + uuid.NewString()
	}
	senderID := r.URL.Query().Get("sender_id")

	// The first connection for a conversation installs the agent, the way
	// a chat host delivers installationUpdate before the first message.
	// Webchat is a locally hosted channel, so it installs pre-trusted.
	sink := newWSSink(ws)
	s.dispatcher.HandleTurn(r.Context(), activity.Activity{
		Type:             activity.TypeInstallationUpdate,
		Action:           activity.InstallActionAdd,
		ChannelID:        "webchat",
		ConversationID:   conversationID,
		SenderID:         senderID,
		IsAgenticRequest: true,
	}, sink)

	for {
		var msg wsInbound
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			logger.WarnCF("server", "WebSocket read error", map[string]any{"error": err.Error()})
			return
		}

		s.dispatcher.HandleTurn(r.Context(), activity.Activity{
			Type:           activity.TypeMessage,
			Text:           msg.Text,
			ChannelID:      "webchat",
			ConversationID: conversationID,
			SenderID:       senderID,
			CorrelationID:  uuid.NewString(),
		}, newWSSink(ws))
	}
}

// wsSink streams one turn onto a websocket connection. EndStream sends the
// terminal frame once; later calls are no-ops.
type wsSink struct {
	ws *websocket.Conn

	mu    sync.Mutex
	ended bool
}

func newWSSink(ws *websocket.Conn) *wsSink {
	return &wsSink{ws: ws}
}

func (s *wsSink) send(frame wsOutbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended && frame.Type != "done" {
		return
	}
	if err := s.ws.WriteJSON(frame); err != nil {
		logger.WarnCF("server", "WebSocket write failed", map[string]any{"error": err.Error()})
	}
}

func (s *wsSink) QueueInformativeUpdate(text string) {
	s.send(wsOutbound{Type: "update", Content: text})
}

func (s *wsSink) QueueTextChunk(text string) {
	s.send(wsOutbound{Type: "chunk", Content: text})
}

func (s *wsSink) EndStream() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.send(wsOutbound{Type: "done"})
}
