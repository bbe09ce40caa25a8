// Package trace provides lightweight per-turn observability scopes.
//
// Every inbound turn runs inside exactly one Scope. The scope records the
// selected operation, the auth handler the turn runs under, inputs,
// outputs, and at most one error, then emits a single record on End.
package trace

import (
	"sync"
	"time"

	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/utils"
)

// Record is the finished form of a scope.
type Record struct {
	Operation      string
	AuthHandler    string
	ConversationID string
	Input          string
	Output         string
	Err            error
	Started        time.Time
	Duration       time.Duration
}

// Exporter receives finished scope records. Implementations must be safe
// for concurrent use.
type Exporter interface {
	Export(rec Record)
}

// LogExporter writes records through the structured logger. It is the
// default exporter.
type LogExporter struct{}

func (LogExporter) Export(rec Record) {
	fields := map[string]any{
		"operation":       rec.Operation,
		"auth_handler":    rec.AuthHandler,
		"conversation_id": rec.ConversationID,
		"duration_ms":     rec.Duration.Milliseconds(),
	}
	if rec.Input != "" {
		fields["input"] = utils.Truncate(rec.Input, 200)
	}
	if rec.Output != "" {
		fields["output"] = utils.Truncate(rec.Output, 200)
	}
	if rec.Err != nil {
		fields["error"] = rec.Err.Error()
		logger.ErrorCF("trace", "Turn failed", fields)
		return
	}
	logger.InfoCF("trace", "Turn completed", fields)
}

// Tracer creates scopes bound to an exporter.
type Tracer struct {
	exporter Exporter
}

func NewTracer(exp Exporter) *Tracer {
	if exp == nil {
		exp = LogExporter{}
	}
	return &Tracer{exporter: exp}
}

// StartScope opens a scope for one turn. The caller must End it exactly
// once; extra End calls are ignored.
func (t *Tracer) StartScope(operation, authHandler, conversationID string) *Scope {
	return &Scope{
		tracer: t,
		rec: Record{
			Operation:      operation,
			AuthHandler:    authHandler,
			ConversationID: conversationID,
			Started:        time.Now(),
		},
	}
}

// Scope tracks one turn in flight.
type Scope struct {
	tracer *Tracer
	mu     sync.Mutex
	rec    Record
	ended  bool
}

func (s *Scope) RecordInput(text string) {
	s.mu.Lock()
	s.rec.Input = text
	s.mu.Unlock()
}

func (s *Scope) RecordOutput(text string) {
	s.mu.Lock()
	s.rec.Output = text
	s.mu.Unlock()
}

// RecordError keeps the first error only.
func (s *Scope) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.rec.Err == nil {
		s.rec.Err = err
	}
	s.mu.Unlock()
}

// End finalizes the scope and exports it. Safe to call more than once;
// only the first call exports.
func (s *Scope) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.Duration = time.Since(s.rec.Started)
	rec := s.rec
	s.mu.Unlock()
	s.tracer.exporter.Export(rec)
}
