// Package server hosts the HTTP boundary: activity delivery, health,
// usage reporting, and the websocket webchat channel.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/dispatch"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/stream"
	"github.com/turnpikelabs/turnpike/pkg/usage"
)

type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	usage      *usage.Store
	httpServer *http.Server
}

func NewServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, usageStore *usage.Store) *Server {
	return &Server{cfg: cfg, dispatcher: dispatcher, usage: usageStore}
}

// Handler builds the route table. Split out from Start so tests can drive
// it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/activities", s.handleActivity)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start serves until the context is canceled, then drains with a short
// shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("server", "Listening", map[string]any{"addr": addr})
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type activityResponse struct {
	ConversationID string   `json:"conversation_id"`
	CorrelationID  string   `json:"correlation_id"`
	Updates        []string `json:"updates,omitempty"`
	Text           string   `json:"text"`
}

// handleActivity runs one turn synchronously and returns the collected
// output. This is the hosting-framework delivery path: one request, one
// turn, one reply document.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var act activity.Activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		http.Error(w, "invalid activity payload", http.StatusBadRequest)
		return
	}
	if act.ConversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	if act.CorrelationID == "" {
		act.CorrelationID = uuid.NewString()
	}
	if act.ChannelID == "" {
		act.ChannelID = "http"
	}

	sink := &stream.CollectingSink{}
	s.dispatcher.HandleTurn(r.Context(), act, sink)

	writeJSON(w, http.StatusOK, activityResponse{
		ConversationID: act.ConversationID,
		CorrelationID:  act.CorrelationID,
		Updates:        sink.Updates,
		Text:           sink.FinalText(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	filter := usage.Filter{
		ConversationID: r.URL.Query().Get("conversation_id"),
		DayKey:         r.URL.Query().Get("day"),
		Provider:       r.URL.Query().Get("provider"),
	}
	records := s.usage.Query(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate": usage.AggregateRecords(records),
		"providers": usage.ProviderBreakdown(records),
		"count":     len(records),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("server", "Response encode failed", map[string]any{"error": err.Error()})
	}
}
